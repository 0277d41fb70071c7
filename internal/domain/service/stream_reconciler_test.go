package service

import (
	"strings"
	"testing"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

func collectEvents(r *Reconciler, chunks ...RawChunk) []StreamEvent {
	var events []StreamEvent
	for _, c := range chunks {
		events = append(events, r.Step(c)...)
	}
	return events
}

func eventsOfKind(events []StreamEvent, kind StreamEventKind) []StreamEvent {
	var out []StreamEvent
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// checkBalancedBlocks asserts every ContentBlockStart has exactly one
// ContentBlockStop with the same index.
func checkBalancedBlocks(t *testing.T, events []StreamEvent) {
	t.Helper()
	starts := map[int]int{}
	stops := map[int]int{}
	for _, ev := range events {
		switch ev.Kind {
		case EventContentBlockStart:
			starts[ev.Index]++
		case EventContentBlockStop:
			stops[ev.Index]++
		}
	}
	for idx, n := range starts {
		if n != 1 || stops[idx] != 1 {
			t.Errorf("block %d: %d starts / %d stops, want exactly 1/1", idx, n, stops[idx])
		}
	}
	for idx := range stops {
		if starts[idx] == 0 {
			t.Errorf("block %d has a stop without a start", idx)
		}
	}
}

func TestReconciler_PlainTextPassthrough(t *testing.T) {
	r := NewReconciler()
	events := collectEvents(r,
		RawChunk{Kind: RawMessageStart, MessageID: "m1", Model: "fake"},
		RawChunk{Kind: RawTextToken, Index: 0, Text: "Hello "},
		RawChunk{Kind: RawTextToken, Index: 0, Text: "world"},
		RawChunk{Kind: RawMessageStop, StopReason: StopEndTurn},
	)

	var text strings.Builder
	for _, ev := range eventsOfKind(events, EventContentBlockDelta) {
		text.WriteString(ev.TextDelta)
	}
	if text.String() != "Hello world" {
		t.Fatalf("expected 'Hello world', got %q", text.String())
	}
	checkBalancedBlocks(t, events)
	if r.SawToolUse() {
		t.Fatal("plain text must not register a tool use")
	}
}

func TestReconciler_StripsFramingTokens(t *testing.T) {
	r := NewReconciler()
	events := collectEvents(r,
		RawChunk{Kind: RawTextToken, Index: 0, Text: "Hi<|im_end|>\n"},
		RawChunk{Kind: RawMessageStop, StopReason: StopEndTurn},
	)

	for _, ev := range eventsOfKind(events, EventContentBlockDelta) {
		if strings.Contains(ev.TextDelta, "<|im_end|>") {
			t.Fatalf("framing token leaked into text: %q", ev.TextDelta)
		}
	}
}

func TestReconciler_TextualToolCall_RawJSON(t *testing.T) {
	r := NewReconciler()
	events := collectEvents(r,
		RawChunk{Kind: RawTextToken, Index: 0, Text: `{"name": "file_read",`},
		RawChunk{Kind: RawTextToken, Index: 0, Text: ` "arguments": {"path": "a.go"}}`},
		RawChunk{Kind: RawMessageStop, StopReason: StopEndTurn},
	)

	toolStarts := []StreamEvent{}
	for _, ev := range eventsOfKind(events, EventContentBlockStart) {
		if ev.BlockKind == entity.BlockToolUse {
			toolStarts = append(toolStarts, ev)
		}
	}
	if len(toolStarts) != 1 {
		t.Fatalf("expected 1 synthesized tool_use, got %d", len(toolStarts))
	}
	if toolStarts[0].ToolName != "file_read" {
		t.Errorf("tool name = %q, want file_read", toolStarts[0].ToolName)
	}
	if toolStarts[0].ToolUseID == "" {
		t.Error("synthesized tool use must carry a generated id")
	}
	if !r.SawToolUse() {
		t.Error("SawToolUse must report the synthesized call")
	}

	// The JSON scaffolding must not leak out as visible text.
	for _, ev := range eventsOfKind(events, EventContentBlockDelta) {
		if ev.BlockKind == entity.BlockText && strings.Contains(ev.TextDelta, `"name"`) {
			t.Errorf("raw tool-call JSON leaked as text: %q", ev.TextDelta)
		}
	}
	checkBalancedBlocks(t, events)
}

func TestReconciler_TextualToolCall_FencedBlock(t *testing.T) {
	r := NewReconciler()
	var events []StreamEvent
	for _, delta := range []string{"```json\n", `{"name": "glob", "arguments"`, `: {"pattern": "**/*"}}`, "\n```"} {
		events = append(events, r.Step(RawChunk{Kind: RawTextToken, Index: 0, Text: delta})...)
	}
	events = append(events, r.Finish()...)

	found := false
	for _, ev := range eventsOfKind(events, EventContentBlockStart) {
		if ev.BlockKind == entity.BlockToolUse && ev.ToolName == "glob" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected glob tool call parsed from the fenced block")
	}
}

func TestReconciler_DedupLaw(t *testing.T) {
	// N copies of the identical textual call yield exactly one event triple.
	call := `{"name": "glob", "arguments": {"pattern": "**/*"}}`
	r := NewReconciler()
	var events []StreamEvent
	events = append(events, r.Step(RawChunk{Kind: RawTextToken, Index: 0, Text: call + "\n" + call + "\n" + call})...)
	events = append(events, r.Finish()...)

	toolStarts := 0
	for _, ev := range eventsOfKind(events, EventContentBlockStart) {
		if ev.BlockKind == entity.BlockToolUse {
			toolStarts++
		}
	}
	if toolStarts != 1 {
		t.Fatalf("dedup law violated: %d tool_use blocks from 3 identical calls", toolStarts)
	}
}

func TestReconciler_DedupIgnoresKeyOrder(t *testing.T) {
	r := NewReconciler()
	var events []StreamEvent
	events = append(events, r.Step(RawChunk{Kind: RawToolCall, ToolUseID: "a", ToolName: "edit", JSONFrag: `{"path": "x", "line": 3}`})...)
	events = append(events, r.Step(RawChunk{Kind: RawToolCall, ToolUseID: "b", ToolName: "edit", JSONFrag: `{"line": 3, "path": "x"}`})...)

	toolStarts := 0
	for _, ev := range eventsOfKind(events, EventContentBlockStart) {
		if ev.BlockKind == entity.BlockToolUse {
			toolStarts++
		}
	}
	if toolStarts != 1 {
		t.Fatalf("key order defeated dedup: got %d blocks", toolStarts)
	}
}

func TestReconciler_BufferedProseFlushesAtDone(t *testing.T) {
	// Text that merely starts with '{' but never parses must reappear
	// verbatim once the stream finishes.
	r := NewReconciler()
	prose := "{spoiler alert} the config was wrong all along"
	var events []StreamEvent
	events = append(events, r.Step(RawChunk{Kind: RawTextToken, Index: 0, Text: prose})...)
	if len(eventsOfKind(events, EventContentBlockDelta)) != 0 {
		t.Fatal("possibly-a-tool-call text must be withheld while streaming")
	}

	events = append(events, r.Finish()...)
	var text strings.Builder
	for _, ev := range eventsOfKind(events, EventContentBlockDelta) {
		text.WriteString(ev.TextDelta)
	}
	if text.String() != prose {
		t.Fatalf("buffered prose lost: got %q want %q", text.String(), prose)
	}
	checkBalancedBlocks(t, events)
}

func TestReconciler_NativeIncrementalToolCall(t *testing.T) {
	r := NewReconciler()
	events := collectEvents(r,
		RawChunk{Kind: RawBlockStart, Index: 1, BlockKind: "tool_use", ToolUseID: "t1", ToolName: "file_read"},
		RawChunk{Kind: RawToolInputDelta, Index: 1, JSONFrag: `{"path":`},
		RawChunk{Kind: RawToolInputDelta, Index: 1, JSONFrag: `"a.go"}`},
		RawChunk{Kind: RawBlockStop, Index: 1},
	)

	starts := eventsOfKind(events, EventContentBlockStart)
	if len(starts) != 1 || starts[0].ToolUseID != "t1" {
		t.Fatalf("expected one native tool block t1, got %+v", starts)
	}
	deltas := eventsOfKind(events, EventContentBlockDelta)
	if len(deltas) != 1 || !strings.Contains(deltas[0].InputJSON, "a.go") {
		t.Fatalf("expected assembled input JSON, got %+v", deltas)
	}
	checkBalancedBlocks(t, events)
}

func TestReconciler_FinishIsIdempotent(t *testing.T) {
	r := NewReconciler()
	r.Step(RawChunk{Kind: RawTextToken, Index: 0, Text: "hello"})
	first := r.Finish()
	second := r.Finish()
	if len(first) == 0 {
		t.Fatal("first Finish must flush the block")
	}
	if len(second) != 0 {
		t.Fatalf("second Finish must be a no-op, got %d events", len(second))
	}
}
