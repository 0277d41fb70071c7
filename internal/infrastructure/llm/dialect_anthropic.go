package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/service"
)

// anthropicDialect speaks the Anthropic Messages API. Structural
// differences from the chat dialect: the system prompt is a top-level
// field, message content is a list of typed blocks, tool results travel as
// user-role tool_result blocks, and streaming is a sequence of typed
// events rather than uniform deltas.
type anthropicDialect struct{}

const anthropicVersion = "2023-06-01"

// --- wire shapes (only the fields this module reads or writes) ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"` // "user" | "assistant"
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"` // "text" | "tool_use" | "tool_result"

	Text string `json:"text,omitempty"`

	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicEvent is the envelope of one streaming SSE payload; the "type"
// field discriminates which of the optional members is populated.
type anthropicEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message      *anthropicResponse `json:"message,omitempty"`       // message_start
	ContentBlock *anthropicBlock    `json:"content_block,omitempty"` // content_block_start
	Delta        *anthropicDelta    `json:"delta,omitempty"`         // content_block_delta / message_delta
	Usage        *anthropicUsage    `json:"usage,omitempty"`         // message_delta
}

type anthropicDelta struct {
	Type        string `json:"type"` // "text_delta" | "input_json_delta"
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"` // message_delta only
}

func (anthropicDialect) completionsPath() string { return "/messages" }

func (anthropicDialect) authorize(h http.Header, apiKey string) {
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", anthropicVersion)
}

func (anthropicDialect) requestBody(req *service.LLMRequest, stream bool) (interface{}, error) {
	out := &anthropicRequest{
		Model:       bareModel(req.Model),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096 // required by the API
	}

	var system []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.TextContent())

		case "tool":
			// A tool result becomes a user turn carrying a tool_result block.
			out.Messages = append(out.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.TextContent(),
				}},
			})

		case "assistant":
			var blocks []anthropicBlock
			if text := msg.TextContent(); text != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicBlock{
					Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: blocks})

		default: // "user"
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: msg.TextContent()}},
			})
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, def := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: objectSchema(def.Parameters),
		})
	}
	return out, nil
}

func (anthropicDialect) parseResponse(data []byte) (*service.LLMResponse, error) {
	var wire anthropicResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return assembleAnthropic(&wire), nil
}

func assembleAnthropic(wire *anthropicResponse) *service.LLMResponse {
	out := &service.LLMResponse{
		ModelUsed:  wire.Model,
		TokensUsed: wire.Usage.InputTokens + wire.Usage.OutputTokens,
	}
	var text []string
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, entity.ToolCallInfo{
				ID: block.ID, Name: block.Name, Arguments: block.Input,
			})
		}
	}
	out.Content = strings.Join(text, "")
	return out
}

func (anthropicDialect) newStreamDecoder() streamDecoder {
	return &anthropicStreamDecoder{open: map[int]*anthropicBlockAcc{}}
}

// anthropicBlockAcc holds one in-flight content block while its deltas
// stream in.
type anthropicBlockAcc struct {
	kind string
	id   string
	name string
	json strings.Builder
}

type anthropicStreamDecoder struct {
	content    strings.Builder
	open       map[int]*anthropicBlockAcc
	toolCalls  []entity.ToolCallInfo
	model      string
	inTokens   int
	outTokens  int
	stopReason string
}

func (d *anthropicStreamDecoder) decode(payload []byte, emit func(service.StreamChunk)) (bool, error) {
	var ev anthropicEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return false, err
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			d.model = ev.Message.Model
			d.inTokens = ev.Message.Usage.InputTokens
		}

	case "content_block_start":
		if ev.ContentBlock == nil {
			break
		}
		d.open[ev.Index] = &anthropicBlockAcc{
			kind: ev.ContentBlock.Type,
			id:   ev.ContentBlock.ID,
			name: ev.ContentBlock.Name,
		}

	case "content_block_delta":
		if ev.Delta == nil {
			break
		}
		acc := d.open[ev.Index]
		switch ev.Delta.Type {
		case "text_delta":
			d.content.WriteString(ev.Delta.Text)
			emit(service.StreamChunk{DeltaText: ev.Delta.Text})
		case "input_json_delta":
			if acc != nil {
				acc.json.WriteString(ev.Delta.PartialJSON)
			}
		}

	case "content_block_stop":
		acc := d.open[ev.Index]
		delete(d.open, ev.Index)
		if acc == nil || acc.kind != "tool_use" {
			break
		}
		var args map[string]interface{}
		if raw := acc.json.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return false, fmt.Errorf("tool input for %s: %w", acc.name, err)
			}
		}
		info := entity.ToolCallInfo{ID: acc.id, Name: acc.name, Arguments: args}
		d.toolCalls = append(d.toolCalls, info)
		emit(service.StreamChunk{DeltaToolCall: &info})

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			d.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			d.outTokens = ev.Usage.OutputTokens
		}

	case "message_stop":
		finish := "stop"
		if d.stopReason == "tool_use" {
			finish = "tool_calls"
		}
		emit(service.StreamChunk{FinishReason: finish})
		return true, nil
	}
	return false, nil
}

func (d *anthropicStreamDecoder) result() *service.LLMResponse {
	return &service.LLMResponse{
		Content:    d.content.String(),
		ToolCalls:  d.toolCalls,
		ModelUsed:  d.model,
		TokensUsed: d.inTokens + d.outTokens,
	}
}
