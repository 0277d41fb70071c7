package llm

import (
	"context"
	"encoding/json"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/service"
	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
)

// ProviderAdapter satisfies service.Provider by translating the Agent Loop
// Engine's Conversation-shaped Request into the Router's message-list
// LLMRequest, and synthesizing canonical StreamEvents from the Router's
// StreamChunks. This is the one seam where the core's Conversation model
// meets the transport layer's flat chat-message wire shape.
type ProviderAdapter struct {
	client       service.LLMClient
	router       *Router
	defaultModel string
}

// NewProviderAdapter wraps a Router (or any service.LLMClient) as a
// service.Provider. router may be nil if client isn't a *Router — then
// AvailableModels/SupportsModel fall back to permissive defaults.
func NewProviderAdapter(client service.LLMClient, defaultModel string) *ProviderAdapter {
	router, _ := client.(*Router)
	return &ProviderAdapter{client: client, router: router, defaultModel: defaultModel}
}

var _ service.Provider = (*ProviderAdapter)(nil)

func (a *ProviderAdapter) Complete(ctx context.Context, req service.Request) (*service.Response, error) {
	llmReq := a.toLLMRequest(req)
	resp, err := a.client.Generate(ctx, llmReq)
	if err != nil {
		return nil, err
	}
	return a.toResponse(resp), nil
}

// CompleteStream drains the transport's flat chunk stream through a
// Reconciler, so native tool calls are deduplicated and textual tool calls
// embedded in plain text (a weak local model with no function-calling API)
// are detected, synthesized into canonical tool_use blocks, and never
// flashed at the observer as raw JSON.
func (a *ProviderAdapter) CompleteStream(ctx context.Context, req service.Request) (<-chan service.StreamEvent, <-chan error) {
	events := make(chan service.StreamEvent, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errCh)

		llmReq := a.toLLMRequest(req)
		deltaCh := make(chan service.StreamChunk, 16)

		var finalResp *service.LLMResponse
		var genErr error
		go func() {
			defer close(deltaCh)
			finalResp, genErr = a.client.GenerateStream(ctx, llmReq, deltaCh)
		}()

		rec := service.NewReconciler()
		emit := func(evs []service.StreamEvent) {
			for _, ev := range evs {
				events <- ev
			}
		}

		emit(rec.Step(service.RawChunk{Kind: service.RawMessageStart, Model: req.Model}))

		const textIdx = 0
		finish := ""
		for chunk := range deltaCh {
			if chunk.DeltaText != "" {
				emit(rec.Step(service.RawChunk{Kind: service.RawTextToken, Index: textIdx, Text: chunk.DeltaText}))
			}
			if chunk.DeltaToolCall != nil {
				tc := chunk.DeltaToolCall
				argsJSON, _ := json.Marshal(tc.Arguments)
				emit(rec.Step(service.RawChunk{
					Kind: service.RawToolCall, ToolUseID: tc.ID, ToolName: tc.Name, JSONFrag: string(argsJSON),
				}))
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
		}

		if genErr != nil {
			errCh <- genErr
			return
		}

		emit(rec.Finish())

		stop := mapStopReason(finish)
		if rec.SawToolUse() || (finalResp != nil && len(finalResp.ToolCalls) > 0) {
			stop = service.StopToolUse
		}
		usage := service.Usage{}
		if finalResp != nil {
			usage.OutputTokens = int64(finalResp.TokensUsed)
		}
		events <- service.StreamEvent{Kind: service.EventMessageDelta, StopReason: stop, Usage: usage}
		events <- service.StreamEvent{Kind: service.EventMessageStop, StopReason: stop}
	}()

	return events, errCh
}

func (a *ProviderAdapter) CountTokens(ctx context.Context, conv *entity.Conversation) (int64, error) {
	total := len(conv.System)
	for _, msg := range conv.Messages {
		total += len(msg.Text)
		for _, b := range msg.Blocks {
			total += len(b.Text) + len(b.ToolResultText) + len(b.ToolName)
		}
	}
	return int64(total / 3), nil
}

func (a *ProviderAdapter) AvailableModels() []string {
	if a.router == nil {
		return nil
	}
	var out []string
	for _, p := range a.router.ListProviders(context.Background()) {
		out = append(out, p.Models...)
	}
	return out
}

func (a *ProviderAdapter) SupportsModel(model string) bool {
	if a.router == nil {
		return true
	}
	for _, m := range a.AvailableModels() {
		if m == model {
			return true
		}
	}
	return false
}

func (a *ProviderAdapter) toLLMRequest(req service.Request) *service.LLMRequest {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	out := &service.LLMRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Tools:       toolsFromMaps(req.Tools),
	}

	if req.Conversation != nil {
		if req.Conversation.System != "" {
			out.Messages = append(out.Messages, service.LLMMessage{Role: "system", Content: req.Conversation.System})
		}
		for _, msg := range req.Conversation.Messages {
			out.Messages = append(out.Messages, messagesFromEntity(msg)...)
		}
	}

	return out
}

// messagesFromEntity expands one Conversation turn into one or more wire
// messages: an assistant turn with blocks becomes a single message carrying
// its text plus ToolCalls; a tool-result turn becomes one "tool"-role
// message per ToolResult block, since each must carry its own tool_call_id.
func messagesFromEntity(msg entity.Message) []service.LLMMessage {
	if !msg.HasBlocks() {
		return []service.LLMMessage{{Role: string(msg.Role), Content: msg.Text}}
	}

	var toolResults []service.LLMMessage
	var text string
	var toolCalls []entity.ToolCallInfo

	for _, b := range msg.Blocks {
		switch b.Kind {
		case entity.BlockText:
			text += b.Text
		case entity.BlockToolUse:
			toolCalls = append(toolCalls, entity.ToolCallInfo{ID: b.ToolUseID, Name: b.ToolName, Arguments: b.ToolInput})
		case entity.BlockToolResult:
			content := b.ToolResultText
			if b.IsError {
				content = "ERROR: " + content
			}
			toolResults = append(toolResults, service.LLMMessage{Role: "tool", Content: content, ToolCallID: b.ToolResultForID})
		}
	}

	if len(toolResults) > 0 {
		return toolResults
	}
	return []service.LLMMessage{{Role: string(msg.Role), Content: text, ToolCalls: toolCalls}}
}

func toolsFromMaps(maps []map[string]interface{}) []domaintool.Definition {
	out := make([]domaintool.Definition, 0, len(maps))
	for _, m := range maps {
		def := domaintool.Definition{}
		if name, ok := m["name"].(string); ok {
			def.Name = name
		}
		if desc, ok := m["description"].(string); ok {
			def.Description = desc
		}
		if params, ok := m["parameters"].(map[string]interface{}); ok {
			def.Parameters = params
		}
		out = append(out, def)
	}
	return out
}

func (a *ProviderAdapter) toResponse(resp *service.LLMResponse) *service.Response {
	blocks := make([]entity.ContentBlock, 0, 1+len(resp.ToolCalls))
	if resp.Content != "" {
		blocks = append(blocks, entity.NewTextBlock(resp.Content))
	}
	for _, tc := range resp.ToolCalls {
		blocks = append(blocks, entity.NewToolUseBlock(tc.ID, tc.Name, tc.Arguments))
	}

	stop := service.StopEndTurn
	if len(resp.ToolCalls) > 0 {
		stop = service.StopToolUse
	}

	return &service.Response{
		Model:      resp.ModelUsed,
		Content:    blocks,
		StopReason: stop,
		Usage:      service.Usage{OutputTokens: int64(resp.TokensUsed)},
	}
}

func mapStopReason(finish string) service.StopReason {
	switch finish {
	case "tool_calls", "tool_use":
		return service.StopToolUse
	case "length", "max_tokens":
		return service.StopMaxTokens
	case "stop_sequence":
		return service.StopStopSequence
	default:
		return service.StopEndTurn
	}
}
