// Package llm is the transport layer: concrete HTTP clients for upstream
// model APIs, a failover Router over them, and the adapter that narrows the
// whole layer down to the one Provider seam the orchestration core consumes.
package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ngoclaw/agentcore/internal/domain/service"
	"go.uber.org/zap"
)

// Provider is one registered model backend: the transport-level LLMClient
// plus the identity/capability queries the Router needs to pick it.
type Provider interface {
	service.LLMClient

	// Name returns the configured provider identifier.
	Name() string

	// Models returns the model identifiers this provider serves. Empty
	// means "anything" (a permissive gateway).
	Models() []string

	// SupportsModel reports whether a model id can be routed here.
	SupportsModel(model string) bool

	// IsAvailable reports whether the provider is usable right now
	// (credentials present, endpoint configured).
	IsAvailable(ctx context.Context) bool
}

// ProviderConfig holds configuration for one LLM provider.
type ProviderConfig struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"` // "openai" (default) | "anthropic" | "gemini"
	BaseURL  string   `json:"base_url"`
	APIKey   string   `json:"api_key"`
	Models   []string `json:"models"`
	Priority int      `json:"priority"` // Lower = higher priority
}

// ProviderFactory builds a Provider from its config.
type ProviderFactory func(cfg ProviderConfig, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]ProviderFactory{}
)

// RegisterFactory installs the factory for a provider type. The built-in
// dialects register themselves in this package's init; external packages
// may add more.
func RegisterFactory(typeName string, factory ProviderFactory) {
	factoryMu.Lock()
	factories[typeName] = factory
	factoryMu.Unlock()
}

// CreateProvider builds a Provider for cfg.Type ("" defaults to "openai").
func CreateProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	t := cfg.Type
	if t == "" {
		t = "openai"
	}

	factoryMu.RLock()
	factory, ok := factories[t]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q (registered: %v)", t, registeredTypes())
	}
	return factory(cfg, logger), nil
}

func registeredTypes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
