package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	agentpkg "github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/repository"
	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/internal/infrastructure/resilience"
	"go.uber.org/zap"
)

// OrchestratorConfig bounds everything an Orchestrator hands each engine it builds.
type OrchestratorConfig struct {
	Engine                  EngineConfig
	TotalTokensPerMinute    int64
	CircuitFailureThreshold int
	CircuitCooldown         time.Duration
	MaxSpawnDepth           int
}

// DefaultOrchestratorConfig mirrors the legacy loop's defaults, retargeted to
// the RateCoordinator/CircuitBreaker world.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Engine:                  DefaultEngineConfig(),
		TotalTokensPerMinute:    60_000,
		CircuitFailureThreshold: 5,
		CircuitCooldown:         30 * time.Second,
		MaxSpawnDepth:           5,
	}
}

// Orchestrator owns the one Provider and one RateCoordinator an entire run
// (root agent plus every agent it transitively spawns) shares. It builds a
// fresh AgentLoopEngine — and a fresh RateCoordinator allocation — per
// agent, wiring a spawn_agent tool into each one so recursive spawning stays
// bounded by the same shared budget and circuit breakers.
type Orchestrator struct {
	provider      Provider
	coordinator   *RateCoordinator
	breakers      *resilience.Registry
	baseRegistry  domaintool.Registry
	spawnRegistry *agentpkg.Registry
	observer      Observer
	store         repository.ContextStore
	cfg           OrchestratorConfig
	logger        *zap.Logger
}

// NewOrchestrator wires a provider and a base tool registry (every tool
// except spawn_agent, which the Orchestrator injects itself) into one
// orchestration session.
func NewOrchestrator(provider Provider, baseRegistry domaintool.Registry, observer Observer, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if observer == nil {
		observer = NoOpObserver{}
	}
	return &Orchestrator{
		provider:      provider,
		coordinator:   NewRateCoordinator(cfg.TotalTokensPerMinute, logger),
		breakers:      resilience.NewRegistry(cfg.CircuitFailureThreshold, cfg.CircuitCooldown),
		baseRegistry:  baseRegistry,
		spawnRegistry: agentpkg.NewRegistry(),
		observer:      observer,
		cfg:           cfg,
		logger:        logger,
	}
}

// WithContextStore wires an optional conversation store. When set, every
// finished run's transcript is persisted under its agent ID — best effort,
// never on the loop's hot path.
func (o *Orchestrator) WithContextStore(store repository.ContextStore) *Orchestrator {
	o.store = store
	return o
}

// SpawnRegistry exposes the family tree of every spawned agent, for the
// admin/introspection HTTP surface.
func (o *Orchestrator) SpawnRegistry() *agentpkg.Registry { return o.spawnRegistry }

// Coordinator exposes the shared RateCoordinator, for introspection.
func (o *Orchestrator) Coordinator() *RateCoordinator { return o.coordinator }

// Breakers exposes the shared circuit breaker registry, for introspection.
func (o *Orchestrator) Breakers() *resilience.Registry { return o.breakers }

// Run starts a root agent run: Critical rate priority, full tool
// permissions, no parent. It blocks until the run reaches a terminal state.
func (o *Orchestrator) Run(ctx context.Context, systemPrompt, task string) (entity.AgentResult, error) {
	rootID := uuid.New().String()
	ctx = WithTraceID(ctx, "")
	cfg := entity.NewAgentConfig(rootID, entity.AgentTypeImplement, task).WithCaps(systemPrompt)
	return o.runAgent(ctx, cfg)
}

// runAgent is the Runner the spawn_agent tool calls recursively; it also
// backs Run for the root agent. cfg.ParentID() == "" identifies the root.
func (o *Orchestrator) runAgent(ctx context.Context, cfg entity.AgentConfig) (entity.AgentResult, error) {
	id := cfg.ID()

	priority := PriorityForAgentType(string(cfg.Type()), cfg.Background())
	if p := cfg.Priority(); p != "" && !cfg.Background() {
		priority = Priority(p)
	}
	depth := 0
	if cfg.ParentID() == "" {
		priority = PriorityCritical
	} else {
		depth = o.spawnRegistry.Depth(cfg.ParentID()) + 1
	}

	alloc := o.coordinator.RequestAllocation(id, priority, cfg.Name())
	defer alloc.Release()

	perms := domaintool.DefaultPermissions(string(cfg.Type())).Merge(domaintool.NewPermissions(cfg.Allow(), cfg.Deny()))
	runRegistry := o.buildRunRegistry(id, depth, perms)
	executor := domaintool.NewRegistryExecutor(runRegistry)

	engineCfg := o.cfg.Engine
	if tb := cfg.TokenBudget(); tb >= 0 {
		engineCfg.MaxTokenBudget = int64(tb)
	}
	if m := cfg.ModelOverride(); m != "" {
		engineCfg.Model = m
	}

	engine := NewAgentLoopEngine(
		id, o.provider, runRegistry, executor, perms, alloc, engineCfg,
		cfg.Memory(), o.breakers, o.observer,
		domaintool.Context{WorkingDir: cfg.WorkingDir(), SessionID: id, Trusted: cfg.ParentID() == ""},
		o.logger,
	)

	systemPrompt := strings.TrimSpace(cfg.Caps() + "\n" + cfg.Skill())
	conv := entity.NewConversation(systemPrompt, cfg.Task())

	o.logger.Info("agent run starting",
		zap.String("trace_id", TraceIDFromContext(ctx)),
		zap.String("agent", cfg.Name()),
		zap.String("priority", string(priority)),
		zap.Int("depth", depth))

	result := engine.Run(ctx, conv, cfg.MaxIterations())

	if o.store != nil && conv.Len() > 0 {
		if err := o.store.SaveConversation(context.WithoutCancel(ctx), id, conv); err != nil {
			o.logger.Warn("failed to persist conversation", zap.String("agent", id), zap.Error(err))
		}
	}

	return result, nil
}

// buildRunRegistry clones the orchestrator's base tools into a fresh
// registry and adds a spawn_agent tool scoped to this specific agent's
// identity, depth, and permissions — so every agent gets its own spawn
// accounting without the base registry needing to know about agent identity.
func (o *Orchestrator) buildRunRegistry(agentID string, depth int, perms domaintool.Permissions) domaintool.Registry {
	reg := domaintool.NewInMemoryRegistry()
	for _, def := range o.baseRegistry.List() {
		if t, ok := o.baseRegistry.Get(def.Name); ok {
			_ = reg.Register(t)
		}
	}
	spawnTool := agentpkg.NewSpawnTool(agentID, depth, o.cfg.MaxSpawnDepth, perms, o.runAgent, o.spawnRegistry, o.logger)
	_ = reg.Register(spawnTool)
	return reg
}
