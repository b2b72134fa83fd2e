package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotlore/pkg/chain"
	"github.com/dotsetgreg/dotlore/pkg/config"
	"github.com/dotsetgreg/dotlore/pkg/session"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
)

// Deps are process objects a backend may build on.
type Deps struct {
	Chain *chain.Model
}

// Backend is one completion backend selectable through
// agents.defaults.provider. Validate and Status are optional.
type Backend struct {
	Name     string
	Build    func(cfg *config.Config, deps Deps) (session.Loader, error)
	Validate func(cfg *config.Config) error
	Status   func(cfg *config.Config) (configured bool, mode string)
}

var (
	backendMu       sync.RWMutex
	backends        = map[string]Backend{}
	registrationErr error
)

// Register adds a backend. Invalid registrations are remembered and fail
// every later lookup instead of panicking during init.
func Register(b Backend) {
	blank := strings.TrimSpace(b.Name) == ""
	b.Name = NormalizeProviderName(b.Name)
	backendMu.Lock()
	defer backendMu.Unlock()
	switch {
	case blank:
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: backend name is required"))
	case b.Build == nil:
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: backend %q has no build func", b.Name))
	default:
		backends[b.Name] = b
	}
}

func SupportedProviders() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeProviderName lowercases name; blank selects OpenRouter.
func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenRouter
	}
	return name
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderOpenRouter
	}
	return NormalizeProviderName(cfg.Agents.Defaults.Provider)
}

func ValidateProviderConfig(cfg *config.Config) error {
	b, err := lookup(cfg)
	if err != nil || b.Validate == nil {
		return err
	}
	return b.Validate(cfg)
}

// ProviderCredentialStatus reports whether the active backend has what it
// needs to run, and how it authenticates.
func ProviderCredentialStatus(cfg *config.Config) (provider string, configured bool, mode string, err error) {
	b, err := lookup(cfg)
	if err != nil {
		return "", false, "", err
	}
	if b.Status != nil {
		configured, mode = b.Status(cfg)
		return b.Name, configured, mode, nil
	}
	return b.Name, b.Validate == nil || b.Validate(cfg) == nil, "", nil
}

// CreateLoader builds the completion backend selected by
// agents.defaults.provider.
func CreateLoader(cfg *config.Config, deps Deps) (session.Loader, error) {
	b, err := lookup(cfg)
	if err != nil {
		return nil, err
	}
	return b.Build(cfg, deps)
}

func lookup(cfg *config.Config) (Backend, error) {
	name := ActiveProviderName(cfg)

	backendMu.RLock()
	regErr := registrationErr
	b, ok := backends[name]
	backendMu.RUnlock()

	if regErr != nil {
		return Backend{}, fmt.Errorf("provider registration failed: %w", regErr)
	}
	if !ok {
		return Backend{}, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return b, nil
}
