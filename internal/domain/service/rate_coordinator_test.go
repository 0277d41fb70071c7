package service

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRateCoordinator_SingleAllocationGetsEverything(t *testing.T) {
	c := NewRateCoordinator(100_000, zap.NewNop())
	alloc := c.RequestAllocation("a1", PriorityNormal, "only")
	defer alloc.Release()

	if b := alloc.Budget(); b != 100_000 {
		t.Fatalf("single allocation should get the whole limit, got %d", b)
	}
}

func TestRateCoordinator_WeightedBudgets(t *testing.T) {
	c := NewRateCoordinator(100_000, zap.NewNop())

	main := c.RequestAllocation("main", PriorityCritical, "main")
	impl := c.RequestAllocation("impl", PriorityHigh, "impl")
	explore := c.RequestAllocation("explore", PriorityNormal, "explore")
	bg := c.RequestAllocation("bg", PriorityBackground, "bg")

	// Total weight 7.5: budgets truncate to 53333 / 26666 / 13333 / 6666.
	wantAfterJoin := map[string]int64{
		"main":    53333,
		"impl":    26666,
		"explore": 13333,
		"bg":      6666,
	}
	var sum int64
	for id, want := range wantAfterJoin {
		got := c.Budget(id)
		if got != want {
			t.Errorf("budget[%s] = %d, want %d", id, got, want)
		}
		sum += got
	}
	if diff := 100_000 - sum; diff < 0 || diff > 4 {
		t.Errorf("budget sum %d drifts more than ±4 from the limit", sum)
	}

	// Dropping impl rebalances the survivors over weight 5.5.
	impl.Release()
	wantAfterLeave := map[string]int64{
		"main":    72727,
		"explore": 18181,
		"bg":      9090,
	}
	for id, want := range wantAfterLeave {
		if got := c.Budget(id); got != want {
			t.Errorf("post-release budget[%s] = %d, want %d", id, got, want)
		}
	}
	if c.Count() != 3 {
		t.Errorf("expected 3 survivors, got %d", c.Count())
	}

	main.Release()
	explore.Release()
	bg.Release()
	if c.Count() != 0 {
		t.Errorf("expected empty coordinator, got %d", c.Count())
	}
	// Queries after the last release must not panic.
	if b := c.Budget("main"); b != 0 {
		t.Errorf("released allocation should report 0 budget, got %d", b)
	}
}

func TestRateCoordinator_ReleaseIsIdempotent(t *testing.T) {
	c := NewRateCoordinator(10_000, zap.NewNop())
	alloc := c.RequestAllocation("a1", PriorityNormal, "agent")
	alloc.Release()
	alloc.Release()
	if c.Count() != 0 {
		t.Fatalf("expected 0 allocations, got %d", c.Count())
	}
}

func TestRateCoordinator_TryConsumeRespectsLocalCap(t *testing.T) {
	c := NewRateCoordinator(10_000, zap.NewNop())
	a := c.RequestAllocation("a", PriorityNormal, "a")
	b := c.RequestAllocation("b", PriorityNormal, "b")
	defer a.Release()
	defer b.Release()

	// Each holds half the budget: 5000. One cannot consume past its cap
	// even though the shared bucket still has tokens.
	if !a.TryConsume(5000) {
		t.Fatal("consuming exactly the local cap should succeed")
	}
	if a.TryConsume(1) {
		t.Fatal("consuming past the local cap must refuse")
	}
	if !b.TryConsume(1000) {
		t.Fatal("the other allocation's cap is untouched")
	}
}

func TestRateCoordinator_RefusalLeavesCounterUntouched(t *testing.T) {
	c := NewRateCoordinator(10_000, zap.NewNop())
	a := c.RequestAllocation("a", PriorityNormal, "a")
	defer a.Release()

	a.TryConsume(9_000)
	if a.TryConsume(5_000) {
		t.Fatal("over-cap consume should refuse")
	}
	// The refusal must not have eaten into the window: 1000 remains.
	if !a.TryConsume(1_000) {
		t.Fatal("refused consume must leave the window counter untouched")
	}
}

func TestRateCoordinator_ZeroLimit(t *testing.T) {
	c := NewRateCoordinator(0, zap.NewNop())
	a := c.RequestAllocation("a", PriorityCritical, "a")
	defer a.Release()

	if a.TryConsume(1) {
		t.Fatal("zero total limit must refuse every consume")
	}

	done := make(chan struct{})
	go func() {
		a.WaitForBudget(1)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("WaitForBudget must hang forever on a zero limit")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRateCoordinator_ConsumeThenRecordUsage(t *testing.T) {
	c := NewRateCoordinator(10_000, zap.NewNop())
	a := c.RequestAllocation("a", PriorityNormal, "a")
	defer a.Release()

	if !a.TryConsume(100) {
		t.Fatal("consume failed")
	}
	a.RecordUsage(50)

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 allocation in snapshot, got %d", len(snap))
	}
	if snap[0].TokensUsed != 150 {
		t.Errorf("expected 150 tokens accounted, got %d", snap[0].TokensUsed)
	}
}

func TestPriorityForAgentType(t *testing.T) {
	tests := []struct {
		agentType  string
		background bool
		want       Priority
	}{
		{"implement", false, PriorityHigh},
		{"plan", false, PriorityHigh},
		{"explore", false, PriorityNormal},
		{"review", false, PriorityNormal},
		{"bash", false, PriorityNormal},
		{"custom-thing", false, PriorityNormal},
		{"implement", true, PriorityBackground},
	}
	for _, tt := range tests {
		if got := PriorityForAgentType(tt.agentType, tt.background); got != tt.want {
			t.Errorf("PriorityForAgentType(%q, %v) = %v, want %v", tt.agentType, tt.background, got, tt.want)
		}
	}
}
