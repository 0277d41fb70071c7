package llm

import (
	"testing"

	"github.com/ngoclaw/agentcore/internal/domain/service"
)

// feedChat runs a sequence of SSE data payloads through one chat stream
// decoder, returning everything it emitted plus the assembled response.
func feedChat(t *testing.T, payloads ...string) (*service.LLMResponse, []service.StreamChunk) {
	t.Helper()
	dec := chatDialect{}.newStreamDecoder()
	var chunks []service.StreamChunk
	emit := func(c service.StreamChunk) { chunks = append(chunks, c) }

	for _, p := range payloads {
		done, err := dec.decode([]byte(p), emit)
		if err != nil {
			t.Fatalf("decode(%q): %v", p, err)
		}
		if done {
			break
		}
	}
	return dec.result(), chunks
}

func textDeltas(chunks []service.StreamChunk) []string {
	var out []string
	for _, c := range chunks {
		if c.DeltaText != "" {
			out = append(out, c.DeltaText)
		}
	}
	return out
}

func TestChatDecoder_TextOnly(t *testing.T) {
	resp, chunks := feedChat(t,
		`{"choices":[{"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}],"model":"gpt-4"}`,
		`{"choices":[{"delta":{"content":" world"},"finish_reason":null}],"model":"gpt-4"}`,
		`{"choices":[{"delta":{"content":"!"},"finish_reason":"stop"}],"model":"gpt-4","usage":{"total_tokens":42}}`,
		`[DONE]`,
	)

	if resp.Content != "Hello world!" {
		t.Fatalf("content = %q, want 'Hello world!'", resp.Content)
	}
	if resp.ModelUsed != "gpt-4" {
		t.Fatalf("model = %q, want gpt-4", resp.ModelUsed)
	}
	if resp.TokensUsed != 42 {
		t.Fatalf("tokens = %d, want 42", resp.TokensUsed)
	}
	if len(resp.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls, got %d", len(resp.ToolCalls))
	}
	if got := textDeltas(chunks); len(got) != 3 {
		t.Fatalf("expected 3 text deltas, got %v", got)
	}
}

func TestChatDecoder_FragmentedToolCall(t *testing.T) {
	resp, chunks := feedChat(t,
		`{"choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"file_read","arguments":""}}]},"finish_reason":null}],"model":"gpt-4"}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]},"finish_reason":null}],"model":"gpt-4"}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"main.go\"}"}}]},"finish_reason":null}],"model":"gpt-4"}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"model":"gpt-4","usage":{"total_tokens":100}}`,
		`[DONE]`,
	)

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Name != "file_read" {
		t.Fatalf("unexpected call identity: %+v", tc)
	}
	if tc.Arguments["path"] != "main.go" {
		t.Fatalf("arguments reassembled wrong: %v", tc.Arguments)
	}

	emitted := 0
	for _, c := range chunks {
		if c.DeltaToolCall != nil {
			emitted++
		}
	}
	if emitted != 1 {
		t.Fatalf("expected exactly 1 emitted tool call, got %d", emitted)
	}
}

func TestChatDecoder_ParallelToolCalls(t *testing.T) {
	resp, _ := feedChat(t,
		`{"choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"file_read","arguments":""}},{"index":1,"id":"call_2","type":"function","function":{"name":"file_write","arguments":""}}]},"finish_reason":null}],"model":"gpt-4"}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":\"a.go\"}"}},{"index":1,"function":{"arguments":"{\"path\":\"b.go\"}"}}]},"finish_reason":null}],"model":"gpt-4"}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"model":"gpt-4"}`,
		`[DONE]`,
	)

	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.ToolCalls))
	}
	// Index order, not arrival order, fixes the output order.
	if resp.ToolCalls[0].Name != "file_read" || resp.ToolCalls[1].Name != "file_write" {
		t.Fatalf("calls out of index order: %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["path"] != "a.go" || resp.ToolCalls[1].Arguments["path"] != "b.go" {
		t.Fatalf("arguments crossed between calls: %+v", resp.ToolCalls)
	}
}

func TestChatDecoder_EmptyStream(t *testing.T) {
	resp, _ := feedChat(t, `[DONE]`)
	if resp.Content != "" || len(resp.ToolCalls) != 0 {
		t.Fatalf("empty stream produced content: %+v", resp)
	}
}

func TestChatDecoder_MalformedPayloadIsReported(t *testing.T) {
	dec := chatDialect{}.newStreamDecoder()
	emit := func(service.StreamChunk) {}

	if _, err := dec.decode([]byte(`{this is not valid json}`), emit); err == nil {
		t.Fatal("expected a decode error for malformed JSON")
	}
	// The decoder must remain usable afterwards: the transport skips the
	// bad payload and keeps reading.
	if _, err := dec.decode([]byte(`{"choices":[{"delta":{"content":"still alive"},"finish_reason":"stop"}],"model":"gpt-4"}`), emit); err != nil {
		t.Fatalf("decoder broken after malformed payload: %v", err)
	}
	if resp := dec.result(); resp.Content != "still alive" {
		t.Fatalf("content = %q, want 'still alive'", resp.Content)
	}
}

func TestChatDecoder_TextThenToolCall(t *testing.T) {
	resp, _ := feedChat(t,
		`{"choices":[{"delta":{"role":"assistant","content":"Let me check "},"finish_reason":null}],"model":"gpt-4"}`,
		`{"choices":[{"delta":{"content":"the file."},"finish_reason":null}],"model":"gpt-4"}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_xyz","type":"function","function":{"name":"file_read","arguments":"{\"path\":\"test.go\"}"}}]},"finish_reason":null}],"model":"gpt-4"}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"model":"gpt-4"}`,
		`[DONE]`,
	)

	if resp.Content != "Let me check the file." {
		t.Fatalf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "file_read" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
}

func TestChatDecoder_FinishEmittedOnce(t *testing.T) {
	// finish_reason arrives, then a usage-only chunk, then [DONE]: the
	// finish chunk and the tool flush must not double up.
	_, chunks := feedChat(t,
		`{"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}],"model":"gpt-4"}`,
		`{"choices":[],"model":"gpt-4","usage":{"total_tokens":7}}`,
		`[DONE]`,
	)

	finishes := 0
	for _, c := range chunks {
		if c.FinishReason != "" {
			finishes++
		}
	}
	if finishes != 1 {
		t.Fatalf("expected exactly 1 finish chunk, got %d", finishes)
	}
}

func TestChatDialect_RequestBody(t *testing.T) {
	req := &service.LLMRequest{
		Model:       "openai/gpt-4o-mini",
		Temperature: 0.2,
		Messages: []service.LLMMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	}
	body, err := chatDialect{}.requestBody(req, true)
	if err != nil {
		t.Fatalf("requestBody: %v", err)
	}
	wire := body.(*chatRequest)
	if wire.Model != "gpt-4o-mini" {
		t.Errorf("router prefix not stripped: %q", wire.Model)
	}
	if !wire.Stream || wire.StreamOptions == nil {
		t.Error("streaming request must set stream + stream_options")
	}
	if len(wire.Messages) != 2 || wire.Messages[0].Role != "system" {
		t.Errorf("messages mangled: %+v", wire.Messages)
	}
}
