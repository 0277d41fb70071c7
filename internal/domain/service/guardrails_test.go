package service

import (
	"testing"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"go.uber.org/zap"
)

func TestCostGuard_TokenBudget(t *testing.T) {
	cg := NewCostGuard(1000, 0, zap.NewNop())

	if err := cg.AddTokens(500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cg.AddTokens(600); err == nil {
		t.Fatal("expected budget exceeded error from AddTokens")
	}
}

func TestCostGuard_NoBudget(t *testing.T) {
	cg := NewCostGuard(-1, 0, zap.NewNop())

	if err := cg.AddTokens(999999); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cg.CheckBudget(); err != nil {
		t.Fatalf("expected no error when budget disabled: %v", err)
	}
}

func TestCostGuard_ZeroBudgetRefusesImmediately(t *testing.T) {
	cg := NewCostGuard(0, 0, zap.NewNop())

	if err := cg.CheckBudget(); err == nil {
		t.Fatal("zero token budget should refuse before any work is done")
	}
}

func TestCostGuard_TimeoutBudget(t *testing.T) {
	cg := NewCostGuard(-1, 10*time.Millisecond, zap.NewNop())

	if err := cg.CheckBudget(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if err := cg.CheckBudget(); err == nil {
		t.Fatal("expected time budget exceeded error")
	}
}

func TestContextGuard_BelowThreshold(t *testing.T) {
	cg := NewContextGuard(10000, 0.7, 0.85, zap.NewNop())

	conv := entity.NewConversation("You are helpful.", "Hello")
	result := cg.Check(conv)
	if result.NeedCompaction {
		t.Fatal("should not need compaction for small context")
	}
}

func TestContextGuard_HardCompaction(t *testing.T) {
	cg := NewContextGuard(100, 0.7, 0.85, zap.NewNop())

	conv := entity.NewConversation(string(make([]byte, 200)), string(make([]byte, 200)))
	result := cg.Check(conv)
	if !result.NeedCompaction {
		t.Fatalf("should need compaction, ratio: %f", result.Ratio)
	}
}

func TestContextGuard_ToolOverhead(t *testing.T) {
	cg := NewContextGuard(1000, 0.7, 0.85, zap.NewNop())

	conv := entity.NewConversation("sys", "task")
	conv.Append(entity.NewAssistantMessage([]entity.ContentBlock{
		entity.NewToolUseBlock("tu1", "read_file", map[string]interface{}{"path": "x"}),
	}))
	conv.Append(entity.NewToolResultMessage([]entity.ContentBlock{
		entity.NewToolResultBlock("tu1", "file contents here", false),
	}))

	result := cg.Check(conv)
	if result.EstimatedTokens == 0 {
		t.Fatal("expected nonzero token estimate")
	}
}
