package service

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"encoding/json"
)

// LoopAction is the decision LoopTracker.Record returns for one tool call.
type LoopAction int

const (
	// LoopContinue means the call is novel, or repeats below threshold.
	LoopContinue LoopAction = iota
	// LoopBreak means the identical call has now repeated threshold times;
	// the engine must inject a synthetic tool result and allow exactly one
	// more turn before the next repeat is fatal.
	LoopBreak
	// LoopFatal means the call repeated again immediately after a LoopBreak;
	// the run must terminate with a loop-fatal status.
	LoopFatal
	// LoopRecovered means the model produced a genuinely different call right
	// after a LoopBreak, clearing the suspicion.
	LoopRecovered
)

// LoopTracker counts repeated identical (tool name, canonical args) calls
// within one agent run and escalates from a soft break to a hard
// termination if the model repeats the exact same call right after being
// told to stop.
type LoopTracker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	lastKey   string
	broken    bool // true once LoopBreak has fired for lastKey and we're awaiting the next call
}

// NewLoopTracker builds a tracker that breaks after threshold identical
// consecutive calls (threshold must be >= 2).
func NewLoopTracker(threshold int) *LoopTracker {
	if threshold < 2 {
		threshold = 3
	}
	return &LoopTracker{threshold: threshold, counts: make(map[string]int)}
}

// Record accounts one tool call and returns the action the engine must take.
// Any call whose signature differs from the previous one resets the streak.
func (lt *LoopTracker) Record(toolName string, args map[string]interface{}) LoopAction {
	key := signature(toolName, args)

	lt.mu.Lock()
	defer lt.mu.Unlock()

	if key != lt.lastKey {
		wasBroken := lt.broken
		lt.counts = map[string]int{key: 1}
		lt.lastKey = key
		lt.broken = false
		if wasBroken {
			return LoopRecovered
		}
		return LoopContinue
	}

	if lt.broken {
		// Identical call immediately after a LoopBreak: fatal.
		return LoopFatal
	}

	lt.counts[key]++
	if lt.counts[key] >= lt.threshold {
		lt.broken = true
		return LoopBreak
	}
	return LoopContinue
}

// Reset clears all tracked state (e.g. after a successful, clearly distinct
// tool result resolves the suspicion).
func (lt *LoopTracker) Reset() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.counts = make(map[string]int)
	lt.lastKey = ""
	lt.broken = false
}

// signature produces a deterministic digest of (toolName, args), stable
// under map key reordering.
func signature(toolName string, args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		b = []byte("<unmarshalable>")
	}
	h := sha256.Sum256([]byte(toolName + "|" + string(b)))
	return hex.EncodeToString(h[:])
}
