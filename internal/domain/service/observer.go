package service

import (
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// Observer is the one extension seam external callers (a TUI, a CLI
// renderer, a test harness) have into a running agent loop. Every method is
// a notification, never a veto: tool permission decisions are made by
// domain/tool.Permissions before a call ever reaches here. Implementations
// must return quickly; the loop calls these synchronously. OnToolInvocation
// and OnToolResult are called from the per-tool goroutines of a tool phase,
// so they may run concurrently with each other.
type Observer interface {
	// OnResponsePrefix fires once, the first time any content arrives for a
	// turn, before the first text delta — useful for printing a role label.
	OnResponsePrefix(agentID string)

	// OnTextDelta fires for each chunk of assistant text as it streams in.
	OnTextDelta(agentID, delta string)

	// OnRateLimited fires when a provider call was rejected as rate limited,
	// before the loop sleeps and retries.
	OnRateLimited(agentID string, attempt int, wait time.Duration)

	// OnContextTooLong fires when a provider call was rejected for exceeding
	// its context window, before the loop trims and retries.
	OnContextTooLong(agentID string, tokenCount int64)

	// OnContextTrimmed fires after the Context Manager has trimmed the
	// conversation, reporting tokens before and after.
	OnContextTrimmed(agentID string, before, after int64)

	// OnToolPhaseStart fires once per turn, before any of that turn's tool
	// calls begin executing.
	OnToolPhaseStart(agentID string, toolCount int)

	// OnToolInvocation fires immediately before a single tool call executes.
	OnToolInvocation(agentID, toolName string, args map[string]interface{})

	// OnToolResult fires after a single tool call completes (success or error).
	OnToolResult(agentID, toolName string, result string, isError bool)

	// OnLoopDetected fires when the loop tracker returns LoopBreak or
	// LoopFatal for a repeated tool call.
	OnLoopDetected(agentID, toolName string, fatal bool)

	// OnLoopRecovery fires when a run that hit LoopBreak produces a
	// genuinely different next call, clearing the suspicion.
	OnLoopRecovery(agentID string)

	// OnAgentComplete fires exactly once, when the run reaches a terminal
	// state (Complete, Error, or Aborted).
	OnAgentComplete(agentID string, result entity.AgentResult)
}

// NoOpObserver implements Observer with empty bodies. Embed it to only
// override the events a particular listener cares about.
type NoOpObserver struct{}

func (NoOpObserver) OnResponsePrefix(string)                                 {}
func (NoOpObserver) OnTextDelta(string, string)                              {}
func (NoOpObserver) OnRateLimited(string, int, time.Duration)                {}
func (NoOpObserver) OnContextTooLong(string, int64)                          {}
func (NoOpObserver) OnContextTrimmed(string, int64, int64)                   {}
func (NoOpObserver) OnToolPhaseStart(string, int)                            {}
func (NoOpObserver) OnToolInvocation(string, string, map[string]interface{}) {}
func (NoOpObserver) OnToolResult(string, string, string, bool)               {}
func (NoOpObserver) OnLoopDetected(string, string, bool)                     {}
func (NoOpObserver) OnLoopRecovery(string)                                   {}
func (NoOpObserver) OnAgentComplete(string, entity.AgentResult)              {}

// ObserverChain fans every event out to a fixed list of observers in order.
type ObserverChain struct {
	observers []Observer
}

// NewObserverChain builds a chain from the given observers.
func NewObserverChain(observers ...Observer) *ObserverChain {
	return &ObserverChain{observers: observers}
}

func (c *ObserverChain) Add(o Observer) { c.observers = append(c.observers, o) }

func (c *ObserverChain) OnResponsePrefix(agentID string) {
	for _, o := range c.observers {
		o.OnResponsePrefix(agentID)
	}
}

func (c *ObserverChain) OnTextDelta(agentID, delta string) {
	for _, o := range c.observers {
		o.OnTextDelta(agentID, delta)
	}
}

func (c *ObserverChain) OnRateLimited(agentID string, attempt int, wait time.Duration) {
	for _, o := range c.observers {
		o.OnRateLimited(agentID, attempt, wait)
	}
}

func (c *ObserverChain) OnContextTooLong(agentID string, tokenCount int64) {
	for _, o := range c.observers {
		o.OnContextTooLong(agentID, tokenCount)
	}
}

func (c *ObserverChain) OnContextTrimmed(agentID string, before, after int64) {
	for _, o := range c.observers {
		o.OnContextTrimmed(agentID, before, after)
	}
}

func (c *ObserverChain) OnToolPhaseStart(agentID string, toolCount int) {
	for _, o := range c.observers {
		o.OnToolPhaseStart(agentID, toolCount)
	}
}

func (c *ObserverChain) OnToolInvocation(agentID, toolName string, args map[string]interface{}) {
	for _, o := range c.observers {
		o.OnToolInvocation(agentID, toolName, args)
	}
}

func (c *ObserverChain) OnToolResult(agentID, toolName string, result string, isError bool) {
	for _, o := range c.observers {
		o.OnToolResult(agentID, toolName, result, isError)
	}
}

func (c *ObserverChain) OnLoopDetected(agentID, toolName string, fatal bool) {
	for _, o := range c.observers {
		o.OnLoopDetected(agentID, toolName, fatal)
	}
}

func (c *ObserverChain) OnLoopRecovery(agentID string) {
	for _, o := range c.observers {
		o.OnLoopRecovery(agentID)
	}
}

func (c *ObserverChain) OnAgentComplete(agentID string, result entity.AgentResult) {
	for _, o := range c.observers {
		o.OnAgentComplete(agentID, result)
	}
}

var _ Observer = (*ObserverChain)(nil)
