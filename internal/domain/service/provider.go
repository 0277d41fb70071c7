package service

import (
	"context"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// StopReason is why a model turn ended.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// Usage reports token accounting for one completed turn.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is a single, fully-materialized model turn.
type Response struct {
	ID         string
	Model      string
	Content    []entity.ContentBlock
	StopReason StopReason
	Usage      Usage
}

// StreamEventKind enumerates the canonical streaming events a Provider emits,
// mirroring the external wire protocol one-to-one.
type StreamEventKind string

const (
	EventMessageStart      StreamEventKind = "message_start"
	EventContentBlockStart StreamEventKind = "content_block_start"
	EventContentBlockDelta StreamEventKind = "content_block_delta"
	EventContentBlockStop  StreamEventKind = "content_block_stop"
	EventMessageDelta      StreamEventKind = "message_delta"
	EventMessageStop       StreamEventKind = "message_stop"
)

// StreamEvent is one normalized event surfaced to the agent loop while a
// response is streaming in. Fields not relevant to Kind are left zero.
type StreamEvent struct {
	Kind       StreamEventKind
	Index      int
	BlockKind  entity.BlockKind
	TextDelta  string
	ToolUseID  string
	ToolName   string
	InputJSON  string // raw fragment for tool_use blocks, accumulated by the reconciler
	StopReason StopReason
	Usage      Usage
	MessageID  string
	Model      string
}

// Request is everything a Provider needs to produce one Response.
type Request struct {
	Conversation *entity.Conversation
	Tools        []map[string]interface{}
	Model        string
	MaxTokens    int
	Temperature  float64
}

// Provider is the capability seam between the agent loop and a concrete
// upstream model backend (native SSE API, local textual-tool-call model,
// etc). Implementations own their own retry-free transport; retry,
// classification, and circuit breaking are the agent loop's job.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	CompleteStream(ctx context.Context, req Request) (<-chan StreamEvent, <-chan error)
	CountTokens(ctx context.Context, conv *entity.Conversation) (int64, error)
	AvailableModels() []string
	SupportsModel(model string) bool
}
