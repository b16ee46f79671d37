package llms

import (
	"fmt"

	"github.com/flowmatic-io/flowmatic/pkg/config"
	"github.com/flowmatic-io/flowmatic/pkg/registry"
)

// Registry holds the configured providers keyed by their config tag.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// NewRegistryFromConfig builds every configured provider.
func NewRegistryFromConfig(cfgs map[string]config.LLMProviderConfig) (*Registry, error) {
	r := NewRegistry()
	for name, cfg := range cfgs {
		provider, err := NewProviderFromConfig(&cfg)
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", name, err)
		}
		if err := r.Register(name, provider); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewProviderFromConfig creates a provider instance by config type.
func NewProviderFromConfig(cfg *config.LLMProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProviderFromConfig(cfg)
	case "openai":
		return NewOpenAIProviderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}

// Close closes all registered providers.
func (r *Registry) Close() error {
	var firstErr error
	for _, provider := range r.List() {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
