package providers

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotlore/pkg/config"
	"github.com/dotsetgreg/dotlore/pkg/session"
)

const (
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
)

func init() {
	Register(Backend{
		Name:     ProviderOpenAI,
		Build:    newOpenAILoaderFromConfig,
		Validate: validateOpenAIConfig,
		Status:   openAICredentialStatus,
	})
}

func validateOpenAIConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	pc, _ := cfg.ProviderSettings(ProviderOpenAI)
	mode, source, err := resolveCredential(ProviderOpenAI, "OpenAI", pc.APIKey, pc.TokenFile)
	if err != nil {
		return err
	}
	return validateTokenFileSource(mode, source, "OpenAI")
}

func openAICredentialStatus(cfg *config.Config) (bool, string) {
	if cfg == nil {
		return false, ""
	}
	pc, _ := cfg.ProviderSettings(ProviderOpenAI)
	mode, _, err := resolveCredential(ProviderOpenAI, "OpenAI", pc.APIKey, pc.TokenFile)
	if err != nil {
		return false, ""
	}
	return true, mode
}

func newOpenAILoaderFromConfig(cfg *config.Config, _ Deps) (session.Loader, error) {
	if err := validateOpenAIConfig(cfg); err != nil {
		return nil, err
	}
	pc, _ := cfg.ProviderSettings(ProviderOpenAI)
	mode, source, err := resolveCredential(ProviderOpenAI, "OpenAI", pc.APIKey, pc.TokenFile)
	if err != nil {
		return nil, err
	}
	auth, err := authFor(ProviderOpenAI, mode, source)
	if err != nil {
		return nil, err
	}

	apiBase := strings.TrimSpace(pc.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenAIAPIBase
	}
	return newHTTPLoader(ProviderOpenAI, apiBase, defaultOpenAIModel, pc.Proxy, auth, nil)
}
