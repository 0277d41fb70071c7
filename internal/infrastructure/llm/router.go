package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/service"
	"github.com/ngoclaw/agentcore/internal/infrastructure/resilience"
	"go.uber.org/zap"
)

// Router implements service.LLMClient over a prioritized list of Providers:
// each call goes to the first registered provider that serves the requested
// model, is available, and has a closed circuit; on failure the next
// eligible provider is tried. This is transport-level failover only — the
// Agent Loop Engine's retry/classification policy sits above it and never
// learns which backend served a call.
type Router struct {
	mu        sync.RWMutex
	providers []Provider
	stats     map[string]*providerStats
	breakers  map[string]*resilience.CircuitBreaker
	logger    *zap.Logger
}

type providerStats struct {
	calls    int64
	failures int64
	latency  time.Duration
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		stats:    make(map[string]*providerStats),
		breakers: make(map[string]*resilience.CircuitBreaker),
		logger:   logger.With(zap.String("component", "llm-router")),
	}
}

var _ service.LLMClient = (*Router)(nil)

// AddProvider registers a provider. Order matters: earlier registrations
// are preferred.
func (r *Router) AddProvider(p Provider) {
	r.mu.Lock()
	r.providers = append(r.providers, p)
	r.stats[p.Name()] = &providerStats{}
	r.breakers[p.Name()] = resilience.NewCircuitBreaker(5, 30*time.Second)
	r.mu.Unlock()

	r.logger.Info("provider registered",
		zap.String("name", p.Name()),
		zap.Strings("models", p.Models()),
	)
}

// Generate implements service.LLMClient (non-streaming).
func (r *Router) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	return r.attempt(ctx, req.Model, func(p Provider) (*service.LLMResponse, error) {
		return p.Generate(ctx, req)
	})
}

// GenerateStream implements service.LLMClient. Note that failover only
// covers calls that error before any chunk reaches deltaCh; once a
// provider has started streaming, its failure surfaces to the caller.
func (r *Router) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	return r.attempt(ctx, req.Model, func(p Provider) (*service.LLMResponse, error) {
		return p.GenerateStream(ctx, req, deltaCh)
	})
}

// attempt walks the provider list once, calling do on each eligible
// provider until one succeeds, and keeps the breaker/stat bookkeeping in
// one place for both the streaming and non-streaming paths.
func (r *Router) attempt(ctx context.Context, model string, do func(Provider) (*service.LLMResponse, error)) (*service.LLMResponse, error) {
	r.mu.RLock()
	providers := make([]Provider, len(r.providers))
	copy(providers, r.providers)
	r.mu.RUnlock()

	var lastErr error
	tried := 0
	for _, p := range providers {
		if !p.SupportsModel(model) || !p.IsAvailable(ctx) {
			continue
		}
		breaker := r.breakerFor(p.Name())
		if breaker != nil && !breaker.Allow() {
			r.logger.Debug("circuit open, skipping provider", zap.String("provider", p.Name()))
			continue
		}
		tried++

		start := time.Now()
		resp, err := do(p)
		r.record(p.Name(), time.Since(start), err)

		if err != nil {
			if breaker != nil {
				breaker.RecordFailure()
			}
			lastErr = err
			r.logger.Warn("provider call failed, falling over",
				zap.String("provider", p.Name()),
				zap.String("model", model),
				zap.Error(err),
			)
			continue
		}
		if breaker != nil {
			breaker.RecordSuccess()
		}
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all %d eligible providers failed for model %q: %w", tried, model, lastErr)
	}
	return nil, fmt.Errorf("no provider available for model %q", model)
}

func (r *Router) breakerFor(name string) *resilience.CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

func (r *Router) record(name string, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		return
	}
	s.calls++
	s.latency = latency
	if err != nil {
		s.failures++
	}
}

// ProviderStatus is a read-only snapshot of one registered provider, for
// the admin/introspection surface.
type ProviderStatus struct {
	Name          string   `json:"name"`
	Models        []string `json:"models"`
	Available     bool     `json:"available"`
	TotalCalls    int64    `json:"total_calls"`
	FailureCount  int64    `json:"failure_count"`
	LastLatencyMs float64  `json:"last_latency_ms"`
	CircuitState  string   `json:"circuit_state"`
}

// ListProviders snapshots every registered provider's state and counters.
func (r *Router) ListProviders(ctx context.Context) []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.providers))
	for _, p := range r.providers {
		status := ProviderStatus{
			Name:      p.Name(),
			Models:    p.Models(),
			Available: p.IsAvailable(ctx),
		}
		if s := r.stats[p.Name()]; s != nil {
			status.TotalCalls = s.calls
			status.FailureCount = s.failures
			status.LastLatencyMs = float64(s.latency) / float64(time.Millisecond)
		}
		if cb := r.breakers[p.Name()]; cb != nil {
			status.CircuitState = cb.State().String()
		}
		out = append(out, status)
	}
	return out
}
