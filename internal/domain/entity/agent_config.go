package entity

import "time"

// AgentType is one of a closed set of built-in roles, or a user-defined string.
// It seeds the default tool-permission set and memory strategy for a spawned agent.
type AgentType string

const (
	AgentTypeExplore   AgentType = "explore"
	AgentTypePlan      AgentType = "plan"
	AgentTypeImplement AgentType = "implement"
	AgentTypeBash      AgentType = "bash"
	AgentTypeReview    AgentType = "review"
)

// MemoryStrategyKind selects how a Context Manager keeps conversation size bounded.
type MemoryStrategyKind string

const (
	MemoryFull        MemoryStrategyKind = "full"
	MemorySummarizing MemoryStrategyKind = "summarizing"
	MemoryWindowed    MemoryStrategyKind = "windowed"
)

// MemoryStrategy is a closed variant: Full carries no parameters, Summarizing
// carries threshold/target token counts, Windowed carries a message count.
type MemoryStrategy struct {
	Kind      MemoryStrategyKind
	Threshold int // Summarizing: trigger compaction once token count exceeds this
	Target    int // Summarizing: target token count; the compaction does not read it
	Window    int // Windowed: keep only the last N messages
}

// FullMemory keeps the entire conversation, never trims.
func FullMemory() MemoryStrategy { return MemoryStrategy{Kind: MemoryFull} }

// SummarizingMemory compacts older messages into a summary once the
// threshold is exceeded, keeping the first message, the summary and a fixed
// tail of recent messages. target is stored but does not bound the result.
func SummarizingMemory(threshold, target int) MemoryStrategy {
	return MemoryStrategy{Kind: MemorySummarizing, Threshold: threshold, Target: target}
}

// WindowedMemory keeps only the last n messages, dropping the rest.
func WindowedMemory(n int) MemoryStrategy {
	return MemoryStrategy{Kind: MemoryWindowed, Window: n}
}

// Validate enforces target < threshold for Summarizing.
func (m MemoryStrategy) Validate() error {
	if m.Kind == MemorySummarizing && m.Target >= m.Threshold {
		return ErrSummarizingTargetTooLarge
	}
	return nil
}

// AgentConfig fixes the inputs of one agent run. Every With* method returns a
// new value; setters commute (see agent_config_test.go for the round-trip law).
type AgentConfig struct {
	id             string
	name           string
	agentType      AgentType
	task           string
	workingDir     string
	modelOverride  string
	parentID       string
	maxIterations  int
	tokenBudget    int
	memoryStrategy MemoryStrategy
	allow          []string
	deny           []string
	background     bool
	priority       string
	caps           string
	skill          string
}

// NewAgentConfig builds the default config for one run: 30 max iterations,
// Full memory, no parent, foreground.
func NewAgentConfig(id string, agentType AgentType, task string) AgentConfig {
	return AgentConfig{
		id:             id,
		name:           string(agentType) + "-" + shortID(id),
		agentType:      agentType,
		task:           task,
		maxIterations:  30,
		tokenBudget:    -1, // unset: inherit the engine default
		memoryStrategy: FullMemory(),
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func (c AgentConfig) ID() string             { return c.id }
func (c AgentConfig) Name() string           { return c.name }
func (c AgentConfig) Type() AgentType        { return c.agentType }
func (c AgentConfig) Task() string           { return c.task }
func (c AgentConfig) WorkingDir() string     { return c.workingDir }
func (c AgentConfig) ModelOverride() string  { return c.modelOverride }
func (c AgentConfig) ParentID() string       { return c.parentID }
func (c AgentConfig) MaxIterations() int     { return c.maxIterations }
func (c AgentConfig) TokenBudget() int       { return c.tokenBudget }
func (c AgentConfig) Memory() MemoryStrategy { return c.memoryStrategy }
func (c AgentConfig) Allow() []string        { return append([]string(nil), c.allow...) }
func (c AgentConfig) Deny() []string         { return append([]string(nil), c.deny...) }
func (c AgentConfig) Background() bool       { return c.background }
func (c AgentConfig) Priority() string       { return c.priority }
func (c AgentConfig) Caps() string           { return c.caps }
func (c AgentConfig) Skill() string          { return c.skill }

// WithWorkingDir sets the working directory.
func (c AgentConfig) WithWorkingDir(dir string) AgentConfig { c.workingDir = dir; return c }

// WithModel overrides the provider's default model for this agent.
func (c AgentConfig) WithModel(model string) AgentConfig { c.modelOverride = model; return c }

// WithParent records the spawning agent's id.
func (c AgentConfig) WithParent(parentID string) AgentConfig { c.parentID = parentID; return c }

// WithMaxIterations overrides the default iteration cap.
func (c AgentConfig) WithMaxIterations(n int) AgentConfig { c.maxIterations = n; return c }

// WithTokenBudget sets a per-run token budget. Zero is an explicit
// immediate abort; negative restores the unset default.
func (c AgentConfig) WithTokenBudget(n int) AgentConfig { c.tokenBudget = n; return c }

// WithMemoryStrategy overrides the default Full memory strategy.
func (c AgentConfig) WithMemoryStrategy(m MemoryStrategy) AgentConfig { c.memoryStrategy = m; return c }

// WithAllow sets the tool allow-list.
func (c AgentConfig) WithAllow(names []string) AgentConfig { c.allow = names; return c }

// WithDeny sets the tool deny-list.
func (c AgentConfig) WithDeny(names []string) AgentConfig { c.deny = names; return c }

// WithBackground marks the agent to run detached rather than synchronously.
func (c AgentConfig) WithBackground(bg bool) AgentConfig { c.background = bg; return c }

// WithPriority overrides the rate-coordinator priority inferred from agent type.
func (c AgentConfig) WithPriority(p string) AgentConfig { c.priority = p; return c }

// WithCaps attaches the parent's persona/cap prose, opaque to the core.
func (c AgentConfig) WithCaps(caps string) AgentConfig { c.caps = caps; return c }

// WithSkill attaches a loaded skill body, opaque to the core.
func (c AgentConfig) WithSkill(skill string) AgentConfig { c.skill = skill; return c }

// Validate enforces the AgentConfig invariants from the data model.
func (c AgentConfig) Validate() error {
	if c.id == "" {
		return ErrInvalidAgentID
	}
	if err := c.memoryStrategy.Validate(); err != nil {
		return err
	}
	return nil
}

// AgentResult is the outcome of one completed (or terminated) agent run.
type AgentResult struct {
	Success      bool
	Iterations   int
	TokensUsed   int
	FilesChanged []string
	FilesRead    []string
	Summary      string
	Errors       []string
	StartedAt    time.Time
	CompletedAt  time.Time
}

// SuccessResult builds a successful AgentResult.
func SuccessResult(summary string, iterations, tokens int, started, completed time.Time) AgentResult {
	return AgentResult{
		Success:     true,
		Iterations:  iterations,
		TokensUsed:  tokens,
		Summary:     summary,
		StartedAt:   started,
		CompletedAt: completed,
	}
}

// FailureResult builds a failed AgentResult carrying the error list.
func FailureResult(errs []string, iterations, tokens int, started, completed time.Time) AgentResult {
	return AgentResult{
		Success:     false,
		Iterations:  iterations,
		TokensUsed:  tokens,
		Errors:      errs,
		StartedAt:   started,
		CompletedAt: completed,
	}
}
