// Package agent implements the sub-agent spawner: the spawn_agent tool that
// lets a running agent recursively start a child Agent Loop Engine sharing
// the same RateCoordinator, and the bookkeeping registry that tracks the
// resulting family tree for introspection.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ngoclaw/agentcore/internal/domain/entity"
	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/pkg/safego"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a spawned child agent.
type Status int

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusError
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Record is the bookkeeping entry for one spawned child, kept for
// introspection (the admin HTTP surface lists these) after the child's own
// engine has finished running.
type Record struct {
	ID        string
	ParentID  string
	AgentType string
	Task      string
	Depth     int
	Status    Status
	Result    entity.AgentResult
	CreatedAt time.Time
}

// Registry is the thread-safe family tree of every agent spawned so far in
// one orchestrator's lifetime.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*Record
	children map[string][]string
}

// NewRegistry builds an empty spawn registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record), children: make(map[string][]string)}
}

func (r *Registry) add(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
	if rec.ParentID != "" {
		r.children[rec.ParentID] = append(r.children[rec.ParentID], rec.ID)
	}
}

func (r *Registry) setResult(id string, status Status, result entity.AgentResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.Status = status
		rec.Result = result
	}
}

// Get returns the bookkeeping record for a spawned agent, if any.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Children lists the direct children spawned by parentID.
func (r *Registry) Children(parentID string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.children[parentID]
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Depth returns the recorded nesting depth of id, or 0 if unknown (root).
func (r *Registry) Depth(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[id]; ok {
		return rec.Depth
	}
	return 0
}

// All returns every tracked record, for introspection endpoints.
func (r *Registry) All() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Runner executes one child agent's full Agent Loop Engine run to
// completion and returns its result. The Orchestrator supplies the concrete
// implementation (it alone owns the Provider and RateCoordinator this
// closure needs), so this package never imports service — avoiding a cycle
// back from service into agent.
type Runner func(ctx context.Context, cfg entity.AgentConfig) (entity.AgentResult, error)

// SpawnTool is the spawn_agent tool: given an agent_type and a task, it
// builds a child AgentConfig, hands it to the parent-supplied Runner, and
// folds the child's AgentResult back into a tool Result the parent's model
// can read. One SpawnTool instance is scoped to one parent run.
type SpawnTool struct {
	parentID string
	depth    int
	maxDepth int
	perms    domaintool.Permissions
	run      Runner
	registry *Registry
	logger   *zap.Logger
}

// NewSpawnTool builds the spawn_agent tool for one parent agent. maxDepth
// bounds how many spawn_agent→spawn_agent levels are allowed before a child
// is refused, preventing runaway recursive spawning.
func NewSpawnTool(parentID string, depth, maxDepth int, perms domaintool.Permissions, run Runner, registry *Registry, logger *zap.Logger) *SpawnTool {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	return &SpawnTool{parentID: parentID, depth: depth, maxDepth: maxDepth, perms: perms, run: run, registry: registry, logger: logger}
}

var _ domaintool.Tool = (*SpawnTool)(nil)

func (t *SpawnTool) Name() string          { return "spawn_agent" }
func (t *SpawnTool) Kind() domaintool.Kind { return domaintool.KindExecute }

func (t *SpawnTool) Description() string {
	return "Spawn a sub-agent to perform a focused sub-task (explore, plan, implement, bash, or review) in an isolated conversation, returning a summary of its result."
}

func (t *SpawnTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent_type": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"explore", "plan", "implement", "bash", "review"},
				"description": "The role the sub-agent plays; fixes its default tool permissions.",
			},
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The instructions the sub-agent should carry out.",
			},
			"background": map[string]interface{}{
				"type":        "boolean",
				"description": "Run detached at Background rate priority instead of waiting synchronously.",
			},
			"max_iterations": map[string]interface{}{
				"type":        "integer",
				"description": "Override the sub-agent's iteration cap (default 30).",
			},
			"token_budget": map[string]interface{}{
				"type":        "integer",
				"description": "Hard token cap for the sub-agent's whole run.",
			},
			"priority": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"high", "normal", "background"},
				"description": "Override the rate priority inferred from agent_type.",
			},
			"caps": map[string]interface{}{
				"type":        "string",
				"description": "Persona/capability prose prepended to the sub-agent's system prompt.",
			},
			"skill": map[string]interface{}{
				"type":        "string",
				"description": "Opaque skill prose to prime the sub-agent with.",
			},
		},
		"required": []string{"agent_type", "task"},
	}
}

// Execute builds the child AgentConfig and delegates to the injected Runner.
// A depth refusal or malformed arguments are returned as tool errors, never
// as a Go error — the parent model should see and react to the refusal.
func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}, _ domaintool.Context) (*domaintool.Result, error) {
	if t.depth >= t.maxDepth {
		return &domaintool.Result{IsError: true, Content: fmt.Sprintf("spawn refused: max nesting depth (%d) reached", t.maxDepth)}, nil
	}
	if !t.perms.CanUseTool(t.Name()) {
		return &domaintool.Result{IsError: true, Content: "spawn_agent is not permitted for this agent"}, nil
	}

	agentType, _ := args["agent_type"].(string)
	task, _ := args["task"].(string)
	if agentType == "" || task == "" {
		return &domaintool.Result{IsError: true, Content: "agent_type and task are both required"}, nil
	}

	background, _ := args["background"].(bool)
	skill, _ := args["skill"].(string)
	caps, _ := args["caps"].(string)
	priority, _ := args["priority"].(string)

	childID := uuid.New().String()
	cfg := entity.NewAgentConfig(childID, entity.AgentType(agentType), task).
		WithParent(t.parentID).
		WithBackground(background).
		WithCaps(caps).
		WithSkill(skill).
		WithPriority(priority)

	if mi, ok := args["max_iterations"].(float64); ok && mi > 0 {
		cfg = cfg.WithMaxIterations(int(mi))
	}
	if tb, ok := args["token_budget"].(float64); ok && tb >= 0 {
		cfg = cfg.WithTokenBudget(int(tb))
	}

	rec := &Record{ID: childID, ParentID: t.parentID, AgentType: agentType, Task: task, Depth: t.depth + 1, Status: StatusRunning, CreatedAt: time.Now()}
	t.registry.add(rec)

	if t.logger != nil {
		t.logger.Info("spawning sub-agent",
			zap.String("id", childID), zap.String("parent", t.parentID),
			zap.String("agent_type", agentType), zap.Int("depth", rec.Depth),
			zap.Bool("background", background))
	}

	if background {
		return t.spawnDetached(ctx, childID, agentType, cfg), nil
	}

	result, err := t.run(ctx, cfg)
	if err != nil {
		t.registry.setResult(childID, StatusError, result)
		return &domaintool.Result{IsError: true, Content: fmt.Sprintf("sub-agent %s failed: %v", childID, err)}, nil
	}

	status := StatusCompleted
	if !result.Success {
		status = StatusError
	}
	t.registry.setResult(childID, status, result)

	payload, _ := json.Marshal(map[string]interface{}{
		"agent_id":      childID,
		"agent_type":    agentType,
		"success":       result.Success,
		"iterations":    result.Iterations,
		"tokens_used":   result.TokensUsed,
		"summary":       result.Summary,
		"errors":        result.Errors,
		"files_changed": result.FilesChanged,
		"files_read":    result.FilesRead,
	})

	return &domaintool.Result{Content: string(payload), IsError: !result.Success}, nil
}

// spawnDetached starts the child on its own goroutine and returns a handle
// immediately. The child inherits the parent's context, so cancelling the
// parent run still terminates it at its next iteration boundary; its final
// status lands in the spawn registry, where the parent (or the operator,
// via the admin surface) can poll it by agent_id.
func (t *SpawnTool) spawnDetached(ctx context.Context, childID, agentType string, cfg entity.AgentConfig) *domaintool.Result {
	run := t.run
	registry := t.registry
	logger := t.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	safego.Go(logger, "background-agent-"+childID, func() {
		result, err := run(ctx, cfg)
		status := StatusCompleted
		if err != nil || !result.Success {
			status = StatusError
		}
		if ctx.Err() != nil {
			status = StatusTerminated
		}
		registry.setResult(childID, status, result)
	})

	payload, _ := json.Marshal(map[string]interface{}{
		"agent_id":   childID,
		"agent_type": agentType,
		"status":     StatusRunning.String(),
		"detached":   true,
	})
	return &domaintool.Result{Content: string(payload)}
}
