package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AgentState is one discrete phase of an Agent Loop Engine run.
type AgentState string

const (
	StateIdle       AgentState = "idle"       // waiting for the first provider call
	StateStreaming  AgentState = "streaming"  // draining a provider response stream
	StateToolExec   AgentState = "tool_exec"  // executing the turn's tool calls
	StateCompacting AgentState = "compacting" // trimming/summarizing conversation context
	StateRetrying   AgentState = "retrying"   // sleeping between provider retry attempts
	StateComplete   AgentState = "complete"   // terminal: run succeeded
	StateError      AgentState = "error"      // terminal: run failed
	StateAborted    AgentState = "aborted"    // terminal: cancelled by caller
)

// validTransitions is the run's transition relation, keyed by source state.
// Terminal states have no successors; a transition into one is final.
var validTransitions = map[AgentState]map[AgentState]bool{
	StateIdle: {
		StateStreaming: true,
		StateError:     true, // immediate abort (zero iteration/token budget)
		StateAborted:   true, // cancelled before the first provider call
	},
	StateStreaming: {
		StateToolExec:   true,
		StateCompacting: true,
		StateRetrying:   true,
		StateComplete:   true,
		StateError:      true,
		StateAborted:    true,
	},
	StateToolExec: {
		StateStreaming:  true, // next provider call after tool results
		StateCompacting: true,
		StateError:      true,
		StateAborted:    true,
	},
	StateCompacting: {
		StateStreaming: true,
		StateError:     true,
		StateAborted:   true,
	},
	StateRetrying: {
		StateStreaming: true,
		StateError:     true,
		StateAborted:   true,
	},
	StateComplete: {},
	StateError:    {},
	StateAborted:  {},
}

// StateSnapshot captures one run's counters at a point in time. This is what
// the admin surface and the AgentResult builder read; they never touch the
// live machine.
type StateSnapshot struct {
	State         AgentState    `json:"state"`
	Step          int           `json:"step"`
	MaxSteps      int           `json:"max_steps"` // 0 = unlimited
	TokensUsed    int           `json:"tokens_used"`
	ToolsExecuted int           `json:"tools_executed"`
	RetryCount    int           `json:"retry_count"`
	ErrorCount    int           `json:"error_count"`
	Elapsed       time.Duration `json:"elapsed"`
	ModelUsed     string        `json:"model_used,omitempty"`
	LastTool      string        `json:"last_tool,omitempty"`
}

// StateMachine tracks one engine run's phase and counters, rejecting
// transitions outside the relation above. Thread-safe; the engine writes
// from its own goroutine while observers read snapshots concurrently.
type StateMachine struct {
	mu            sync.RWMutex
	state         AgentState
	step          int
	maxSteps      int
	tokensUsed    int
	toolsExecuted int
	retryCount    int
	errorCount    int
	startTime     time.Time
	modelUsed     string
	lastTool      string
	logger        *zap.Logger

	// listeners notified on each state transition, outside the lock
	listeners []func(from, to AgentState, snap StateSnapshot)
}

// NewStateMachine creates a machine in Idle. maxSteps is advisory metadata
// carried into snapshots; the engine enforces its own iteration cap.
func NewStateMachine(maxSteps int, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		state:     StateIdle,
		maxSteps:  maxSteps,
		startTime: time.Now(),
		logger:    logger,
	}
}

// State returns the current state.
func (sm *StateMachine) State() AgentState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Snapshot returns a full copy of the current runtime counters.
func (sm *StateMachine) Snapshot() StateSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshotLocked()
}

func (sm *StateMachine) snapshotLocked() StateSnapshot {
	return StateSnapshot{
		State:         sm.state,
		Step:          sm.step,
		MaxSteps:      sm.maxSteps,
		TokensUsed:    sm.tokensUsed,
		ToolsExecuted: sm.toolsExecuted,
		RetryCount:    sm.retryCount,
		ErrorCount:    sm.errorCount,
		Elapsed:       time.Since(sm.startTime),
		ModelUsed:     sm.modelUsed,
		LastTool:      sm.lastTool,
	}
}

// Transition attempts to move to a new state, returning an error if the
// transition is not in the relation. Listeners fire outside the lock.
func (sm *StateMachine) Transition(to AgentState) error {
	sm.mu.Lock()
	from := sm.state

	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		sm.mu.Unlock()
		err := fmt.Errorf("invalid state transition: %s → %s", from, to)
		sm.logger.Error("State machine violation", zap.Error(err))
		return err
	}

	sm.state = to
	snap := sm.snapshotLocked()
	listeners := make([]func(from, to AgentState, snap StateSnapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	sm.logger.Debug("State transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("step", snap.Step),
	)

	for _, fn := range listeners {
		fn(from, to, snap)
	}

	return nil
}

// OnTransition registers a listener called on every state change.
func (sm *StateMachine) OnTransition(fn func(from, to AgentState, snap StateSnapshot)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// SetStep updates the current step counter.
func (sm *StateMachine) SetStep(step int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.step = step
}

// AddTokens increments the token counter.
func (sm *StateMachine) AddTokens(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.tokensUsed += n
}

// RecordToolExec records a tool execution.
func (sm *StateMachine) RecordToolExec(toolName string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.toolsExecuted++
	sm.lastTool = toolName
}

// RecordRetry increments the retry counter.
func (sm *StateMachine) RecordRetry() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.retryCount++
}

// RecordError increments the error counter.
func (sm *StateMachine) RecordError() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errorCount++
}

// SetModel records the model identifier serving this run.
func (sm *StateMachine) SetModel(model string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.modelUsed = model
}

// IsTerminal reports whether the run has reached a terminal state.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	switch sm.state {
	case StateComplete, StateError, StateAborted:
		return true
	}
	return false
}
