package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

type credentialCandidate struct {
	mode   string
	source string
	field  string
}

func selectSingleCredential(
	candidates []credentialCandidate,
	missingMessage string,
	multiPrefix string,
) (mode string, source string, err error) {
	switch len(candidates) {
	case 0:
		return "", "", fmt.Errorf("%s", strings.TrimSpace(missingMessage))
	case 1:
		chosen := candidates[0]
		return chosen.mode, chosen.source, nil
	default:
		fields := make([]string, 0, len(candidates))
		for _, item := range candidates {
			fields = append(fields, item.field)
		}
		sort.Strings(fields)
		return "", "", fmt.Errorf(
			"%s (%s); set exactly one",
			strings.TrimSpace(multiPrefix),
			strings.Join(fields, ", "),
		)
	}
}

// resolveCredential picks the one configured credential of a provider
// section: an API key or a token file.
func resolveCredential(provider, label string, apiKey, tokenFile string) (mode, source string, err error) {
	candidates := make([]credentialCandidate, 0, 2)
	if key := strings.TrimSpace(apiKey); key != "" {
		candidates = append(candidates, credentialCandidate{
			mode:   authModeAPIKey,
			source: key,
			field:  "providers." + provider + ".api_key",
		})
	}
	if file := strings.TrimSpace(tokenFile); file != "" {
		candidates = append(candidates, credentialCandidate{
			mode:   "token_file",
			source: file,
			field:  "providers." + provider + ".token_file",
		})
	}
	envPrefix := "DOTLORE_PROVIDERS_" + strings.ToUpper(provider) + "_"
	return selectSingleCredential(
		candidates,
		fmt.Sprintf("%s credentials are required (set providers.%s.api_key or %sAPI_KEY)", label, provider, envPrefix),
		fmt.Sprintf("multiple %s credential sources configured", label),
	)
}

func validateTokenFileSource(mode, source, providerLabel string) error {
	if mode != "token_file" {
		return nil
	}
	resolved := expandHome(strings.TrimSpace(source))
	if _, err := os.Stat(resolved); err != nil {
		label := strings.TrimSpace(providerLabel)
		if label == "" {
			label = "Provider"
		}
		return fmt.Errorf("%s token file not accessible at %s: %w", label, resolved, err)
	}
	return nil
}

func authFor(provider, mode, source string) (AuthStrategy, error) {
	switch mode {
	case authModeAPIKey:
		return NewAPIKeyAuth(NewStaticTokenSource(source, "providers."+provider+".api_key")), nil
	case "token_file":
		return NewBearerTokenAuth(NewFileTokenSource(source)), nil
	default:
		return nil, fmt.Errorf("unsupported %s auth mode %q", provider, mode)
	}
}
