// Package resilience holds the circuit-breaker, retry classification, and
// other failure-isolation primitives the agent loop leans on when talking to
// an unreliable upstream provider.
package resilience

import (
	"sync"
	"time"
)

// CircuitState is never stored directly; it is derived on every read from
// (failureCount, openedAt) against (failureThreshold, cooldown), so Allow
// and State can never disagree about whether the cooldown has elapsed.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after failureThreshold consecutive failures and
// rejects calls until cooldown has elapsed since it opened, at which point
// exactly one probe call is let through. Any failure during that probe
// reopens the circuit and resets the cooldown clock.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureCount     int
	openedAt         time.Time
	probeInFlight    bool
	failureThreshold int
	cooldown         time.Duration
}

// NewCircuitBreaker builds a breaker tripping after failureThreshold
// consecutive failures, cooling down for the given duration before probing.
func NewCircuitBreaker(failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{failureThreshold: failureThreshold, cooldown: cooldown}
}

// stateLocked derives the current state from failureCount/openedAt. Must be
// called with mu held.
func (cb *CircuitBreaker) stateLocked() CircuitState {
	if cb.failureCount < cb.failureThreshold {
		return CircuitClosed
	}
	if time.Since(cb.openedAt) >= cb.cooldown {
		return CircuitHalfOpen
	}
	return CircuitOpen
}

// Allow reports whether a call may proceed. In HalfOpen, only the first
// caller to observe the transition gets the probe slot; concurrent callers
// are rejected until that probe resolves via RecordSuccess/RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default: // CircuitOpen
		return false
	}
}

// RecordSuccess clears the failure count, closing the circuit (or resolving
// an in-flight probe).
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.openedAt = time.Time{}
	cb.probeInFlight = false
}

// RecordFailure accounts one failure. A failure observed while HalfOpen
// reopens the circuit immediately and refreshes openedAt, restarting the
// cooldown; a failure accumulating past the threshold from Closed opens it
// for the first time.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasHalfOpen := cb.stateLocked() == CircuitHalfOpen
	cb.probeInFlight = false
	cb.failureCount++

	if wasHalfOpen {
		cb.openedAt = time.Now()
		return
	}
	if cb.failureCount >= cb.failureThreshold && cb.openedAt.IsZero() {
		cb.openedAt = time.Now()
	}
}

// State returns the breaker's current derived state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

// Reset forces the breaker back to Closed, discarding any failure history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.openedAt = time.Time{}
	cb.probeInFlight = false
}

// Registry keys circuit breakers by provider/model pair so a failing model
// cannot trip the breaker for every other model served by the same provider.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*CircuitBreaker
	failureThreshold int
	cooldown         time.Duration
}

// NewRegistry builds a Registry whose breakers all share the given thresholds.
func NewRegistry(failureThreshold int, cooldown time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

// For returns (creating if necessary) the breaker for key.
func (r *Registry) For(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(r.failureThreshold, r.cooldown)
		r.breakers[key] = cb
	}
	return cb
}

// BreakerInfo is a read-only snapshot of one registered breaker's state, for
// the admin/introspection HTTP surface.
type BreakerInfo struct {
	Key          string
	State        CircuitState
	FailureCount int
}

// Snapshot returns the current state of every breaker this registry has
// created so far.
func (r *Registry) Snapshot() []BreakerInfo {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for k, cb := range r.breakers {
		keys = append(keys, k)
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make([]BreakerInfo, len(keys))
	for i, cb := range breakers {
		cb.mu.Lock()
		out[i] = BreakerInfo{Key: keys[i], State: cb.stateLocked(), FailureCount: cb.failureCount}
		cb.mu.Unlock()
	}
	return out
}
