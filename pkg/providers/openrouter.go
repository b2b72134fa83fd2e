package providers

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotlore/pkg/config"
	"github.com/dotsetgreg/dotlore/pkg/session"
)

const (
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "openai/gpt-4o-mini"
)

func init() {
	Register(Backend{
		Name:     ProviderOpenRouter,
		Build:    newOpenRouterLoaderFromConfig,
		Validate: validateOpenRouterConfig,
		Status:   openRouterCredentialStatus,
	})
}

func validateOpenRouterConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	pc, _ := cfg.ProviderSettings(ProviderOpenRouter)
	if strings.TrimSpace(pc.APIKey) == "" {
		return fmt.Errorf("OpenRouter API key is required (set providers.openrouter.api_key or DOTLORE_PROVIDERS_OPENROUTER_API_KEY)")
	}
	return nil
}

func openRouterCredentialStatus(cfg *config.Config) (bool, string) {
	if validateOpenRouterConfig(cfg) != nil {
		return false, ""
	}
	return true, authModeAPIKey
}

func newOpenRouterLoaderFromConfig(cfg *config.Config, _ Deps) (session.Loader, error) {
	if err := validateOpenRouterConfig(cfg); err != nil {
		return nil, err
	}
	pc, _ := cfg.ProviderSettings(ProviderOpenRouter)

	apiBase := strings.TrimSpace(pc.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenRouterAPIBase
	}
	auth := NewAPIKeyAuth(NewStaticTokenSource(pc.APIKey, "providers.openrouter.api_key"))
	return newHTTPLoader(
		ProviderOpenRouter,
		apiBase,
		defaultOpenRouterModel,
		pc.Proxy,
		auth,
		map[string]string{"X-Title": "dotlore"},
	)
}
