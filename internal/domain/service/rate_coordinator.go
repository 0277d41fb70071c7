package service

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Priority is the weighting class a rate allocation is requested under.
// Weights are fixed: the root conversation is always Critical so it cannot
// be starved by a burst of spawned exploration agents.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

func (p Priority) weight() float64 {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityBackground:
		return 0.5
	default:
		return 1
	}
}

// RateCoordinator partitions a global tokens-per-minute budget across a
// dynamic set of concurrent agents, weighted by priority, and protects the
// global limit with one shared TokenBucket.
type RateCoordinator struct {
	mu          sync.RWMutex
	totalLimit  int64
	bucket      *TokenBucket
	allocations map[string]*allocState
	logger      *zap.Logger
}

type allocState struct {
	priority    Priority
	name        string
	budget      int64
	tokensUsed  int64
	windowStart time.Time
}

// NewRateCoordinator creates a coordinator backed by one token bucket sized
// to totalLimit per minute (rate = totalLimit/60 tokens/sec).
func NewRateCoordinator(totalLimit int64, logger *zap.Logger) *RateCoordinator {
	return &RateCoordinator{
		totalLimit:  totalLimit,
		bucket:      NewTokenBucket(totalLimit, float64(totalLimit)/60.0),
		allocations: make(map[string]*allocState),
		logger:      logger,
	}
}

// Allocation is a handle tying one agent to the coordinator. Go has no
// deterministic destructors, so the caller must call Release explicitly
// (e.g. via defer) where the source's Drop impl would have run automatically.
type Allocation struct {
	ID          string
	Priority    Priority
	AgentName   string
	coordinator *RateCoordinator
	released    bool
}

// RequestAllocation joins the coordinator, rebalances every allocation's
// budget, and returns a handle for the new agent.
func (c *RateCoordinator) RequestAllocation(id string, priority Priority, agentName string) *Allocation {
	c.mu.Lock()
	c.allocations[id] = &allocState{
		priority:    priority,
		name:        agentName,
		windowStart: time.Now(),
	}
	c.rebalanceLocked()
	c.mu.Unlock()

	c.logger.Info("rate allocation joined",
		zap.String("id", id), zap.String("priority", string(priority)), zap.String("agent", agentName))

	return &Allocation{ID: id, Priority: priority, AgentName: agentName, coordinator: c}
}

// release removes an allocation and rebalances the survivors. Idempotent.
func (c *RateCoordinator) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.allocations[id]; !ok {
		return
	}
	delete(c.allocations, id)
	c.rebalanceLocked()
	c.logger.Info("rate allocation released", zap.String("id", id), zap.Int("remaining", len(c.allocations)))
}

// rebalanceLocked recomputes budget_i = total_limit * (w_i / Σw_j) for every
// surviving allocation. Must be called with mu held.
func (c *RateCoordinator) rebalanceLocked() {
	var totalWeight float64
	for _, a := range c.allocations {
		totalWeight += a.priority.weight()
	}
	if totalWeight == 0 {
		return
	}
	for _, a := range c.allocations {
		a.budget = int64(float64(c.totalLimit) * a.priority.weight() / totalWeight)
	}
}

// Budget returns the current computed budget for an allocation (0 if unknown).
func (c *RateCoordinator) Budget(id string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if a, ok := c.allocations[id]; ok {
		return a.budget
	}
	return 0
}

// Count returns the number of live allocations.
func (c *RateCoordinator) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.allocations)
}

// AllocationInfo is a read-only snapshot of one live allocation, for the
// admin/introspection HTTP surface.
type AllocationInfo struct {
	ID         string
	AgentName  string
	Priority   Priority
	Budget     int64
	TokensUsed int64
}

// Snapshot returns a point-in-time view of every live allocation.
func (c *RateCoordinator) Snapshot() []AllocationInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AllocationInfo, 0, len(c.allocations))
	for id, a := range c.allocations {
		out = append(out, AllocationInfo{
			ID:         id,
			AgentName:  a.name,
			Priority:   a.priority,
			Budget:     a.budget,
			TokensUsed: a.tokensUsed,
		})
	}
	return out
}

// TryConsume attempts to deduct n tokens for allocation id: first against
// the allocation's local per-minute cap, then against the shared bucket.
// Refusal at either stage leaves tokensUsed untouched.
func (c *RateCoordinator) TryConsume(id string, n int64) bool {
	c.mu.Lock()
	a, ok := c.allocations[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if time.Since(a.windowStart) >= 60*time.Second {
		a.windowStart = time.Now()
		a.tokensUsed = 0
	}
	if a.tokensUsed+n > a.budget {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if !c.bucket.TryConsume(n) {
		return false
	}

	c.mu.Lock()
	a.tokensUsed += n
	c.mu.Unlock()
	return true
}

// RecordUsage is bookkeeping-only: it charges n tokens against the
// allocation's window and the bucket's window counter without deducting from
// the bucket level. Used when actual provider usage exceeds the estimate
// consumed up front, so the next window's shaping sees real numbers.
func (c *RateCoordinator) RecordUsage(id string, n int64) {
	c.mu.Lock()
	if a, ok := c.allocations[id]; ok {
		if time.Since(a.windowStart) >= 60*time.Second {
			a.windowStart = time.Now()
			a.tokensUsed = 0
		}
		a.tokensUsed += n
	}
	c.mu.Unlock()
	c.bucket.RecordUsage(n)
}

// WaitForBudget blocks until n tokens can be consumed for id, sleeping when
// the local per-allocation cap is the binding constraint before delegating
// to the shared bucket's wait.
func (c *RateCoordinator) WaitForBudget(id string, n int64) time.Duration {
	start := time.Now()
	for {
		if c.TryConsume(id, n) {
			return time.Since(start)
		}
		c.mu.RLock()
		a, ok := c.allocations[id]
		var overage int64
		var budget int64
		if ok {
			overage = a.tokensUsed + n - a.budget
			budget = a.budget
		}
		c.mu.RUnlock()
		if ok && overage > 0 && budget > 0 {
			localRate := float64(budget) / 60.0
			if localRate > 0 {
				time.Sleep(time.Duration(float64(overage)/localRate*float64(time.Second)) + time.Millisecond)
				continue
			}
		}
		c.bucket.WaitFor(n)
	}
}

// Release returns the allocation's share to the coordinator and triggers a
// rebalance for the survivors. Safe to call more than once.
func (a *Allocation) Release() {
	if a.released {
		return
	}
	a.released = true
	a.coordinator.release(a.ID)
}

// TryConsume attempts to consume n tokens under this allocation.
func (a *Allocation) TryConsume(n int64) bool {
	return a.coordinator.TryConsume(a.ID, n)
}

// WaitForBudget blocks until n tokens are available under this allocation.
func (a *Allocation) WaitForBudget(n int64) time.Duration {
	return a.coordinator.WaitForBudget(a.ID, n)
}

// RecordUsage charges after-the-fact token usage against this allocation's
// window without touching the shared bucket level.
func (a *Allocation) RecordUsage(n int64) {
	if n > 0 {
		a.coordinator.RecordUsage(a.ID, n)
	}
}

// Budget returns this allocation's current computed per-minute budget.
func (a *Allocation) Budget() int64 {
	return a.coordinator.Budget(a.ID)
}

// PriorityForAgentType maps a spawn-able agent type to its default rate
// priority: implement/plan get High, explore/review/bash get Normal, and an
// explicit background flag always wins with Background. The root
// conversation is wired as Critical by the orchestrator, never by this map.
func PriorityForAgentType(agentType string, background bool) Priority {
	if background {
		return PriorityBackground
	}
	switch agentType {
	case "implement", "plan":
		return PriorityHigh
	case "explore", "review", "bash":
		return PriorityNormal
	default:
		return PriorityNormal
	}
}
