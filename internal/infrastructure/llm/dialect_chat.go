package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/service"
)

// chatDialect speaks the OpenAI chat-completions wire format, which most
// hosted and local gateways (OpenAI itself, Gemini's compatibility
// endpoint, vLLM, Ollama) accept.
type chatDialect struct{}

// --- wire shapes (only the fields this module reads or writes) ---

type chatRequest struct {
	Model         string                 `json:"model"`
	Messages      []chatMessage          `json:"messages"`
	Tools         []chatTool             `json:"tools,omitempty"`
	Temperature   float64                `json:"temperature,omitempty"`
	MaxTokens     int                    `json:"max_tokens,omitempty"`
	Stream        bool                   `json:"stream,omitempty"`
	StreamOptions map[string]interface{} `json:"stream_options,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type chatToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatTool struct {
	Type     string      `json:"type"`
	Function chatToolDef `json:"function"`
}

type chatToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	Delta        chatMessage `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *chatUsage) total() int {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

func (chatDialect) completionsPath() string { return "/chat/completions" }

func (chatDialect) authorize(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

func (chatDialect) requestBody(req *service.LLMRequest, stream bool) (interface{}, error) {
	out := &chatRequest{
		Model:       bareModel(req.Model),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if stream {
		out.Stream = true
		out.StreamOptions = map[string]interface{}{"include_usage": true}
	}

	for _, msg := range req.Messages {
		wire := chatMessage{
			Role:       msg.Role,
			Content:    msg.TextContent(),
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				return nil, fmt.Errorf("marshal arguments of %s: %w", tc.Name, err)
			}
			wire.ToolCalls = append(wire.ToolCalls, chatToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: chatFunction{Name: tc.Name, Arguments: string(args)},
			})
		}
		out.Messages = append(out.Messages, wire)
	}

	for _, def := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatToolDef{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  objectSchema(def.Parameters),
			},
		})
	}
	return out, nil
}

func (chatDialect) parseResponse(data []byte) (*service.LLMResponse, error) {
	var wire chatResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("empty response: no choices")
	}

	msg := wire.Choices[0].Message
	out := &service.LLMResponse{
		Content:    msg.Content,
		ModelUsed:  wire.Model,
		TokensUsed: wire.Usage.total(),
	}
	for _, tc := range msg.ToolCalls {
		info, err := toolCallInfo(tc)
		if err != nil {
			return nil, err
		}
		out.ToolCalls = append(out.ToolCalls, info)
	}
	return out, nil
}

func (chatDialect) newStreamDecoder() streamDecoder {
	return &chatStreamDecoder{pending: map[int]*chatToolCallAcc{}}
}

// chatToolCallAcc reassembles one streamed tool call whose id/name arrive
// once and whose argument JSON arrives in fragments.
type chatToolCallAcc struct {
	id   string
	name string
	args strings.Builder
}

// chatStreamDecoder folds chat-completions delta chunks into text deltas
// and reassembled tool calls. Tool calls are flushed when the finish
// reason lands, since fragments for one call can span many chunks.
type chatStreamDecoder struct {
	content   strings.Builder
	pending   map[int]*chatToolCallAcc
	toolCalls []entity.ToolCallInfo
	model     string
	tokens    int
	finish    string
	flushed   bool
}

func (d *chatStreamDecoder) decode(payload []byte, emit func(service.StreamChunk)) (bool, error) {
	if string(payload) == "[DONE]" {
		d.flush(emit)
		return true, nil
	}

	var wire chatResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		return false, err
	}
	if wire.Model != "" {
		d.model = wire.Model
	}
	if t := wire.Usage.total(); t > 0 {
		d.tokens = t
	}
	if len(wire.Choices) == 0 {
		return false, nil
	}

	choice := wire.Choices[0]
	if choice.Delta.Content != "" {
		d.content.WriteString(choice.Delta.Content)
		emit(service.StreamChunk{DeltaText: choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		acc, ok := d.pending[tc.Index]
		if !ok {
			acc = &chatToolCallAcc{}
			d.pending[tc.Index] = acc
		}
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}
		acc.args.WriteString(tc.Function.Arguments)
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		d.finish = *choice.FinishReason
		d.flush(emit)
		// Don't end the scan yet: a usage-only chunk may still follow.
	}
	return false, nil
}

// flush parses every pending tool call, emits it, and reports the finish
// reason. Safe to call twice; only the first call does work.
func (d *chatStreamDecoder) flush(emit func(service.StreamChunk)) {
	if d.flushed {
		return
	}
	d.flushed = true

	indexes := make([]int, 0, len(d.pending))
	for idx := range d.pending {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		acc := d.pending[idx]
		var args map[string]interface{}
		if raw := acc.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				// A half-received call is unusable; drop it rather than
				// hand the engine garbage arguments.
				continue
			}
		}
		info := entity.ToolCallInfo{ID: acc.id, Name: acc.name, Arguments: args}
		d.toolCalls = append(d.toolCalls, info)
		emit(service.StreamChunk{DeltaToolCall: &info})
	}

	finish := d.finish
	if finish == "" {
		finish = "stop"
	}
	emit(service.StreamChunk{FinishReason: finish})
}

func (d *chatStreamDecoder) result() *service.LLMResponse {
	tokens := d.tokens
	if tokens == 0 && d.content.Len() > 0 {
		// The API sent no usage; a rough chars-based estimate keeps the
		// budget accounting moving.
		tokens = len([]rune(d.content.String()))/3 + 20
	}
	return &service.LLMResponse{
		Content:    d.content.String(),
		ToolCalls:  d.toolCalls,
		ModelUsed:  d.model,
		TokensUsed: tokens,
	}
}

// toolCallInfo decodes one complete wire tool call.
func toolCallInfo(tc chatToolCall) (entity.ToolCallInfo, error) {
	var args map[string]interface{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return entity.ToolCallInfo{}, fmt.Errorf("parse arguments of %s: %w", tc.Function.Name, err)
		}
	}
	return entity.ToolCallInfo{ID: tc.ID, Name: tc.Function.Name, Arguments: args}, nil
}

// objectSchema guarantees a tool parameter schema is a well-formed JSON
// Schema object, since some APIs reject a missing "type".
func objectSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	if _, ok := schema["type"]; ok {
		return schema
	}
	out := make(map[string]interface{}, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	out["type"] = "object"
	return out
}
