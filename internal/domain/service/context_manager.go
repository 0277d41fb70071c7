package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"go.uber.org/zap"
)

// approxCharsPerToken mirrors ContextGuard.estimateTokens' heuristic so the
// Context Manager and the guard that triggers it agree on a token count.
const approxCharsPerToken = 3

// ContextManager owns one Conversation's lifetime: tracking its size,
// deciding when it must shrink, and shrinking it according to the
// AgentConfig's MemoryStrategy. It never mutates the conversation under its
// own initiative — NeedsTrim and TrimUntil are called explicitly by the Agent
// Loop Engine before a provider call and after a context-too-long rejection,
// so a trim never races a stream still being appended to.
type ContextManager struct {
	strategy entity.MemoryStrategy
	llm      LLMClient
	model    string
	logger   *zap.Logger
}

// NewContextManager builds a manager for the given strategy. llm may be nil;
// Summarizing then always falls back to truncation.
func NewContextManager(strategy entity.MemoryStrategy, llm LLMClient, model string, logger *zap.Logger) *ContextManager {
	return &ContextManager{strategy: strategy, llm: llm, model: model, logger: logger}
}

// CurrentTokenCount estimates the conversation's token footprint using the
// same ~3-chars/token heuristic as ContextGuard.
func (cm *ContextManager) CurrentTokenCount(conv *entity.Conversation) int {
	total := len(conv.System) / approxCharsPerToken
	for _, msg := range conv.Messages {
		total += len(msg.Text) / approxCharsPerToken
		for _, b := range msg.Blocks {
			switch b.Kind {
			case entity.BlockText:
				total += len(b.Text) / approxCharsPerToken
			case entity.BlockToolUse:
				total += len(b.ToolName) + 50
			case entity.BlockToolResult:
				total += len(b.ToolResultText) / approxCharsPerToken
			}
		}
	}
	return total + len(conv.Messages)*4
}

// NeedsTrim reports whether, under this manager's strategy, the conversation
// must shrink before the next provider call.
func (cm *ContextManager) NeedsTrim(conv *entity.Conversation) bool {
	switch cm.strategy.Kind {
	case entity.MemoryFull:
		return false
	case entity.MemorySummarizing:
		return cm.CurrentTokenCount(conv) > cm.strategy.Threshold
	case entity.MemoryWindowed:
		return len(conv.Messages) > cm.strategy.Window
	default:
		return false
	}
}

// TrimUntil shrinks the conversation in place according to the configured
// strategy, returning the token counts before and after for Observer
// reporting. Summarizing preserves the first message (the user's original
// task) and the most recent messages and collapses only the middle;
// Windowed keeps only the last Window messages, so the first message is
// dropped once it falls outside the window.
func (cm *ContextManager) TrimUntil(ctx context.Context, conv *entity.Conversation) (before, after int64) {
	before = int64(cm.CurrentTokenCount(conv))

	switch cm.strategy.Kind {
	case entity.MemoryWindowed:
		cm.trimWindowed(conv)
	case entity.MemorySummarizing:
		cm.trimSummarizing(ctx, conv)
	default:
		// MemoryFull never trims.
	}

	after = int64(cm.CurrentTokenCount(conv))
	if cm.logger != nil && after != before {
		cm.logger.Info("context trimmed",
			zap.Int64("before_tokens", before),
			zap.Int64("after_tokens", after),
			zap.String("strategy", string(cm.strategy.Kind)),
		)
	}
	return before, after
}

// trimWindowed keeps only the last Window messages.
func (cm *ContextManager) trimWindowed(conv *entity.Conversation) {
	n := cm.strategy.Window
	if n <= 0 || len(conv.Messages) <= n {
		return
	}
	conv.Messages = conv.Messages[len(conv.Messages)-n:]
}

// trimSummarizing collapses the conversation's middle into a single summary
// message, preserving the first message and a fixed tail. It tries an
// LLM-generated summary first; if that fails (no client, call error, or
// empty response) it falls back to a cheap truncation-based summary so a
// trim never silently no-ops.
func (cm *ContextManager) trimSummarizing(ctx context.Context, conv *entity.Conversation) {
	const keepLast = 6
	if len(conv.Messages) <= keepLast+1 {
		return
	}

	middleEnd := len(conv.Messages) - keepLast
	if middleEnd <= 1 {
		return
	}
	middle := conv.Messages[1:middleEnd]

	summary := cm.tryLLMSummarize(ctx, middle)
	if summary == "" {
		summary = cm.truncationSummary(middle)
	}

	compacted := make([]entity.Message, 0, 2+keepLast)
	compacted = append(compacted, conv.Messages[0])
	compacted = append(compacted, entity.Message{
		Role:      entity.RoleUser,
		Text:      summary,
		Timestamp: time.Now(),
	})
	compacted = append(compacted, conv.Messages[len(conv.Messages)-keepLast:]...)

	conv.Messages = compacted
}

// summarizePrompt asks the model to produce a structured snapshot so the
// compacted turn still carries enough state for the run to continue coherently.
const summarizePrompt = `You are a conversation state compressor. Analyze the following turns and produce a structured XML snapshot.

Output format:
<state_snapshot>
  <task_description>Current task being executed</task_description>
  <progress>
    <completed>List of completed steps</completed>
    <in_progress>Current step</in_progress>
    <remaining>Remaining steps</remaining>
  </progress>
  <key_decisions>Key technical decisions and reasons</key_decisions>
  <modified_files>
    <file path="path/to/file" action="created|modified|deleted">Change summary</file>
  </modified_files>
</state_snapshot>

Rules:
- Preserve ALL unfinished task state
- Drop specific code content (only keep file paths + change summaries)
- Drop intermediate debugging`

func (cm *ContextManager) tryLLMSummarize(ctx context.Context, messages []entity.Message) string {
	if cm.llm == nil {
		return ""
	}

	var parts []string
	for _, msg := range messages {
		text := messageText(msg)
		if text == "" {
			continue
		}
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		parts = append(parts, fmt.Sprintf("[%s]: %s", msg.Role, text))
	}
	if len(parts) == 0 {
		return ""
	}

	sctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	req := &LLMRequest{
		Model:       cm.model,
		Temperature: 0.2,
		MaxTokens:   800,
		Messages: []LLMMessage{
			{Role: "system", Content: summarizePrompt},
			{Role: "user", Content: fmt.Sprintf("Compress this conversation (%d turns):\n\n%s", len(parts), strings.Join(parts, "\n"))},
		},
	}

	resp, err := cm.llm.Generate(sctx, req)
	if err != nil || resp == nil || resp.Content == "" {
		if cm.logger != nil {
			cm.logger.Debug("llm summarization unavailable, using truncation fallback", zap.Error(err))
		}
		return ""
	}

	return fmt.Sprintf("[Context compacted — %d turns → state_snapshot]\n\n%s", len(messages), resp.Content)
}

// truncationSummary builds a deterministic summary by keeping short previews
// of each turn, without calling the model. Used when tryLLMSummarize fails.
func (cm *ContextManager) truncationSummary(messages []entity.Message) string {
	var parts []string
	for _, msg := range messages {
		text := messageText(msg)
		if text == "" {
			continue
		}
		if len(text) > 160 {
			text = text[:160] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s: %s", msg.Role, text))
	}
	return fmt.Sprintf("[Context compacted — %d turns dropped]\n%s", len(messages), strings.Join(parts, "\n"))
}

// messageText renders a message's text content, including any tool-use/result blocks.
func messageText(msg entity.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	var sb strings.Builder
	for _, b := range msg.Blocks {
		switch b.Kind {
		case entity.BlockText:
			sb.WriteString(b.Text)
		case entity.BlockToolUse:
			fmt.Fprintf(&sb, "<tool_call %s>", b.ToolName)
		case entity.BlockToolResult:
			sb.WriteString(b.ToolResultText)
		}
	}
	return sb.String()
}
