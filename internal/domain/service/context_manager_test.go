package service

import (
	"context"
	"strings"
	"testing"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"go.uber.org/zap"
)

func bigConversation(turns int) *entity.Conversation {
	conv := entity.NewConversation("system prompt", "the original task")
	for i := 0; i < turns; i++ {
		conv.Append(entity.NewAssistantMessage([]entity.ContentBlock{
			entity.NewTextBlock(strings.Repeat("assistant filler text ", 20)),
		}))
		conv.Append(entity.NewUserMessage(strings.Repeat("user filler text ", 20)))
	}
	return conv
}

func TestContextManager_FullNeverTrims(t *testing.T) {
	cm := NewContextManager(entity.FullMemory(), nil, "m", zap.NewNop())
	conv := bigConversation(30)

	if cm.NeedsTrim(conv) {
		t.Fatal("full memory must never request a trim")
	}
	lenBefore := conv.Len()
	cm.TrimUntil(context.Background(), conv)
	if conv.Len() != lenBefore {
		t.Fatal("full memory must leave the conversation untouched")
	}
}

func TestContextManager_WindowedKeepsTail(t *testing.T) {
	cm := NewContextManager(entity.WindowedMemory(5), nil, "m", zap.NewNop())
	conv := bigConversation(10)

	if !cm.NeedsTrim(conv) {
		t.Fatal("windowed memory over the window must request a trim")
	}
	before, after := cm.TrimUntil(context.Background(), conv)
	if conv.Len() != 5 {
		t.Fatalf("expected 5 messages kept, got %d", conv.Len())
	}
	if after >= before {
		t.Errorf("trim must shrink the token estimate: before=%d after=%d", before, after)
	}
}

func TestContextManager_SummarizingFallsBackToTruncation(t *testing.T) {
	// No LLM client wired: the summarizer must fall back to the
	// deterministic truncation summary rather than silently no-op.
	cm := NewContextManager(entity.SummarizingMemory(100, 50), nil, "m", zap.NewNop())
	conv := bigConversation(15)

	if !cm.NeedsTrim(conv) {
		t.Fatal("summarizing memory over threshold must request a trim")
	}
	lenBefore := conv.Len()
	cm.TrimUntil(context.Background(), conv)
	if conv.Len() >= lenBefore {
		t.Fatalf("expected compaction, len %d -> %d", lenBefore, conv.Len())
	}

	// The original task survives as message zero, and a summary marker
	// stands in for the collapsed middle.
	if conv.Messages[0].Text != "the original task" {
		t.Errorf("first message lost: %q", conv.Messages[0].Text)
	}
	if !strings.Contains(conv.Messages[1].Text, "Context compacted") {
		t.Errorf("expected a compaction summary message, got %q", conv.Messages[1].Text)
	}
}

func TestContextManager_SmallConversationUntouched(t *testing.T) {
	cm := NewContextManager(entity.SummarizingMemory(100, 50), nil, "m", zap.NewNop())
	conv := entity.NewConversation("s", "short task")

	lenBefore := conv.Len()
	cm.TrimUntil(context.Background(), conv)
	if conv.Len() != lenBefore {
		t.Fatal("a conversation below the keep-last floor must not be compacted")
	}
}

func TestContextManager_TokenCountGrows(t *testing.T) {
	cm := NewContextManager(entity.FullMemory(), nil, "m", zap.NewNop())
	small := entity.NewConversation("s", "hi")
	big := bigConversation(10)

	if cm.CurrentTokenCount(big) <= cm.CurrentTokenCount(small) {
		t.Fatal("token estimate must grow with conversation size")
	}
}
