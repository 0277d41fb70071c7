package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// RawChunkKind enumerates the shapes a Provider's transport layer can hand
// the reconciler. Native SSE providers emit the structured kinds directly;
// textual-tool-call providers (a local model with no function-calling API)
// emit only RawTextToken and the reconciler does the detection work itself.
type RawChunkKind string

const (
	RawMessageStart   RawChunkKind = "message_start"
	RawBlockStart     RawChunkKind = "block_start"
	RawTextDelta      RawChunkKind = "text_delta"
	RawToolInputDelta RawChunkKind = "tool_input_delta"
	RawBlockStop      RawChunkKind = "block_stop"
	RawToolCall       RawChunkKind = "tool_call" // one complete native call in a single chunk
	RawMessageDelta   RawChunkKind = "message_delta"
	RawMessageStop    RawChunkKind = "message_stop"
	RawTextToken      RawChunkKind = "text_token" // undifferentiated token from a textual-only model
)

// RawChunk is one unit of transport-level streaming input to Reconciler.Step.
type RawChunk struct {
	Kind       RawChunkKind
	Index      int
	BlockKind  string // "text" | "tool_use", for RawBlockStart
	ToolUseID  string
	ToolName   string
	Text       string // RawTextDelta / RawTextToken
	JSONFrag   string // RawToolInputDelta / RawToolCall
	StopReason StopReason
	Usage      Usage
	MessageID  string
	Model      string
}

var chatMLFrameRe = regexp.MustCompile(`<\|(?:im_start|im_end|python_tag|eom_id|eot_id)\|>[a-zA-Z]*\n?`)

// stripFramingTokens removes ChatML/Llama-style framing tokens. This is
// distinct from StripReasoningTags: framing tokens are transport noise, not
// model "thinking" content, and are stripped unconditionally from every text
// chunk — including ones ultimately emitted as ordinary prose.
func stripFramingTokens(s string) string {
	return chatMLFrameRe.ReplaceAllString(s, "")
}

type blockState struct {
	kind         string // "text" | "tool_use"
	toolUseID    string
	toolName     string
	jsonBuf      strings.Builder
	textBuf      strings.Builder
	startEmitted bool
	stopEmitted  bool
}

// Reconciler turns a stream of RawChunks into the canonical StreamEvent
// sequence, detecting textual tool calls embedded in plain-text output from
// providers with no native function-calling wire format. It is a pure state
// machine: all mutable state lives in its fields, Step and Finish are its
// only entry points, and for every ContentBlockStart it emits exactly one
// matching ContentBlockStop.
//
// Native tool_use blocks are withheld until their RawBlockStop so the
// deduplication decision is made before anything is emitted; a model that
// streams the same call three times produces exactly one canonical triple.
type Reconciler struct {
	blocks map[int]*blockState
	seen   map[string]bool // dedup key: toolName + canonical args digest

	maxIndex    int
	nextSynthID int
	sawToolUse  bool
}

// NewReconciler returns an empty Reconciler ready for one response stream.
func NewReconciler() *Reconciler {
	return &Reconciler{
		blocks: make(map[int]*blockState),
		seen:   make(map[string]bool),
	}
}

// SawToolUse reports whether any tool-use block (native or synthesized from
// text) has been emitted so far. The transport adapter consults this at
// stream end to override the stop reason to tool_use when a weak model's
// textual call was recovered.
func (r *Reconciler) SawToolUse() bool { return r.sawToolUse }

func (r *Reconciler) block(index int, kind string) *blockState {
	if index > r.maxIndex {
		r.maxIndex = index
	}
	bs, ok := r.blocks[index]
	if !ok {
		bs = &blockState{kind: kind}
		r.blocks[index] = bs
	}
	return bs
}

// Step feeds one RawChunk in and returns zero or more canonical StreamEvents.
func (r *Reconciler) Step(chunk RawChunk) []StreamEvent {
	switch chunk.Kind {
	case RawMessageStart:
		return []StreamEvent{{Kind: EventMessageStart, MessageID: chunk.MessageID, Model: chunk.Model}}

	case RawBlockStart:
		bs := r.block(chunk.Index, chunk.BlockKind)
		bs.kind = chunk.BlockKind
		bs.toolUseID = chunk.ToolUseID
		bs.toolName = chunk.ToolName
		if bs.kind != "tool_use" {
			bs.kind = "text"
		}
		// tool_use starts are withheld until RawBlockStop (dedup decision);
		// text starts are withheld until the first flushed delta.
		return nil

	case RawToolInputDelta:
		bs, ok := r.blocks[chunk.Index]
		if !ok {
			return nil
		}
		bs.jsonBuf.WriteString(chunk.JSONFrag)
		return nil

	case RawTextDelta, RawTextToken:
		bs := r.block(chunk.Index, "text")
		return r.stepText(chunk.Index, bs, chunk.Text)

	case RawBlockStop:
		return r.stopBlock(chunk.Index)

	case RawToolCall:
		// A complete native call in one chunk: dedup and emit immediately on
		// a fresh index so it never collides with a streaming text block.
		return r.emitToolTriple(r.allocIndex(), chunk.ToolUseID, chunk.ToolName, chunk.JSONFrag)

	case RawMessageDelta:
		return []StreamEvent{{Kind: EventMessageDelta, StopReason: chunk.StopReason, Usage: chunk.Usage}}

	case RawMessageStop:
		events := r.Finish()
		return append(events, StreamEvent{Kind: EventMessageStop, StopReason: chunk.StopReason})
	}
	return nil
}

// Finish flushes every block still holding buffered state. Text that was
// withheld as "might be a tool call" gets one last parse: fenced JSON bodies
// first, then top-level balanced {...} substrings. Parsed calls are emitted
// as synthesized tool_use triples and the scaffolding text is discarded; if
// nothing parses, the buffered text is flushed verbatim so conservative
// over-buffering never eats legitimate prose. Idempotent: a second call
// returns nothing.
func (r *Reconciler) Finish() []StreamEvent {
	indexes := make([]int, 0, len(r.blocks))
	for idx := range r.blocks {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var events []StreamEvent
	for _, idx := range indexes {
		events = append(events, r.stopBlock(idx)...)
	}
	return events
}

// stopBlock finalizes one block: a withheld native tool_use is deduped and
// emitted as a complete triple; buffered text is given the final textual
// tool-call parse and either synthesized or flushed.
func (r *Reconciler) stopBlock(index int) []StreamEvent {
	bs, ok := r.blocks[index]
	if !ok || bs.stopEmitted {
		return nil
	}

	if bs.kind == "tool_use" {
		bs.stopEmitted = true
		return r.emitToolTriple(index, bs.toolUseID, bs.toolName, bs.jsonBuf.String())
	}

	var events []StreamEvent
	if bs.textBuf.Len() > 0 {
		events = r.finishText(index, bs)
	}
	bs.stopEmitted = true
	if bs.startEmitted {
		events = append(events, StreamEvent{Kind: EventContentBlockStop, Index: index})
	}
	return events
}

// emitToolTriple deduplicates and emits one complete tool_use block. The
// argument fragment is canonicalized so key order never defeats the dedup.
func (r *Reconciler) emitToolTriple(index int, id, name, argsJSON string) []StreamEvent {
	canon := argsJSON
	var args map[string]interface{}
	if json.Unmarshal([]byte(argsJSON), &args) == nil {
		if c, err := canonicalJSON(args); err == nil {
			canon = c
		}
	}
	if argsJSON == "" {
		canon = "{}"
	}
	if r.isDuplicate(name, canon) {
		return nil
	}
	r.markSeen(name, canon)
	r.sawToolUse = true

	if id == "" {
		r.nextSynthID++
		id = fmt.Sprintf("textual_%d", r.nextSynthID)
	}
	return []StreamEvent{
		{Kind: EventContentBlockStart, Index: index, BlockKind: entity.BlockToolUse, ToolUseID: id, ToolName: name},
		{Kind: EventContentBlockDelta, Index: index, BlockKind: entity.BlockToolUse, InputJSON: canon},
		{Kind: EventContentBlockStop, Index: index},
	}
}

func (r *Reconciler) allocIndex() int {
	r.maxIndex++
	return r.maxIndex
}

// stepText runs the textual tool-call detection heuristic over one delta of
// plain-text output. Forwarding is suppressed once the accumulator — after
// leading whitespace — starts with '{', a code fence, or a tool-call
// sentinel; such text is held until it either completes into a parseable
// call or the stream ends and Finish makes the final decision.
func (r *Reconciler) stepText(index int, bs *blockState, text string) []StreamEvent {
	bs.textBuf.WriteString(text)
	buffered := stripFramingTokens(bs.textBuf.String())
	trimmed := strings.TrimLeft(buffered, " \t\n\r")

	if !mightBeToolCall(trimmed) {
		bs.textBuf.Reset()
		return r.flushTextDelta(index, bs, buffered)
	}

	name, args, rest, complete := extractTextualToolCall(trimmed)
	if !complete {
		// Still accumulating; emit nothing yet.
		return nil
	}

	bs.textBuf.Reset()
	if strings.TrimSpace(rest) != "" {
		bs.textBuf.WriteString(rest)
	}

	canon, _ := canonicalJSON(args)
	return r.emitToolTriple(r.allocIndex(), "", name, canon)
}

// finishText makes the at-done decision for a block whose text is still
// buffered: try to parse the whole accumulator as one or more tool calls;
// flush it as ordinary text only if nothing parses.
func (r *Reconciler) finishText(index int, bs *blockState) []StreamEvent {
	buffered := stripFramingTokens(bs.textBuf.String())
	bs.textBuf.Reset()

	calls := parseAllTextualToolCalls(buffered)
	if len(calls) == 0 {
		return r.flushTextDelta(index, bs, buffered)
	}

	var events []StreamEvent
	for _, c := range calls {
		canon, _ := canonicalJSON(c.Arguments)
		events = append(events, r.emitToolTriple(r.allocIndex(), "", c.Name, canon)...)
	}
	return events
}

func (r *Reconciler) flushTextDelta(index int, bs *blockState, text string) []StreamEvent {
	if text == "" {
		return nil
	}
	var events []StreamEvent
	if !bs.startEmitted {
		bs.startEmitted = true
		events = append(events, StreamEvent{Kind: EventContentBlockStart, Index: index, BlockKind: entity.BlockText})
	}
	return append(events, StreamEvent{Kind: EventContentBlockDelta, Index: index, BlockKind: entity.BlockText, TextDelta: text})
}

// mightBeToolCall is the conservative buffering heuristic: weak models that
// emit textual calls almost always do so at the very start of a response.
func mightBeToolCall(trimmed string) bool {
	return strings.HasPrefix(trimmed, "{") ||
		strings.HasPrefix(trimmed, "```") ||
		strings.HasPrefix(trimmed, "<tool_call>") ||
		strings.HasPrefix(trimmed, "<|im_start|>")
}

// parseAllTextualToolCalls implements the at-done scan: every fenced code
// block's body is tried as JSON first; only if no fence yields a call does
// the balanced-brace scan over the raw text run. Duplicates by (name,
// canonical args) are collapsed to the first occurrence.
func parseAllTextualToolCalls(text string) []entity.ToolCallInfo {
	var calls []entity.ToolCallInfo
	seen := make(map[string]bool)

	add := func(name string, args map[string]interface{}) {
		canon, _ := canonicalJSON(args)
		key := name + "|" + canon
		if seen[key] {
			return
		}
		seen[key] = true
		calls = append(calls, entity.ToolCallInfo{Name: name, Arguments: args})
	}

	for _, body := range fencedBodies(text) {
		if name, args, ok := decodeToolCallJSON(body); ok {
			add(name, args)
		}
	}
	if len(calls) > 0 {
		return calls
	}

	rest := text
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			break
		}
		end, ok := balancedBraceEnd(rest[start:])
		if !ok {
			break
		}
		if name, args, ok := decodeToolCallJSON(rest[start : start+end]); ok {
			add(name, args)
		}
		rest = rest[start+end:]
	}
	return calls
}

// fencedBodies returns the inner body of every ``` fenced block in text.
func fencedBodies(text string) []string {
	var bodies []string
	rest := text
	for {
		open := strings.Index(rest, "```")
		if open < 0 {
			break
		}
		afterFence := rest[open+3:]
		nl := strings.IndexByte(afterFence, '\n')
		if nl < 0 {
			break
		}
		body := afterFence[nl+1:]
		closeIdx := strings.Index(body, "```")
		if closeIdx < 0 {
			break
		}
		bodies = append(bodies, body[:closeIdx])
		rest = body[closeIdx+3:]
	}
	return bodies
}

// decodeToolCallJSON accepts {"name": ..., "arguments": {...}} with the
// common aliases weak models produce (tool/parameters).
func decodeToolCallJSON(s string) (string, map[string]interface{}, bool) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &payload); err != nil {
		return "", nil, false
	}
	name, _ := payload["name"].(string)
	if name == "" {
		name, _ = payload["tool"].(string)
	}
	if name == "" {
		return "", nil, false
	}
	args, _ := payload["arguments"].(map[string]interface{})
	if args == nil {
		args, _ = payload["parameters"].(map[string]interface{})
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return name, args, true
}

// extractTextualToolCall tries to pull one complete tool-call invocation out
// of buf while the stream is still running. It supports a ``` fenced block,
// a <tool_call> envelope, and a raw balanced-brace JSON object, chosen by how
// buf begins, in that order. Returns the tool name, its arguments, any trailing
// text after the call, and whether extraction completed.
func extractTextualToolCall(buf string) (name string, args map[string]interface{}, rest string, complete bool) {
	var jsonStr string
	switch {
	case strings.HasPrefix(buf, "```"):
		fenceEnd := strings.IndexByte(buf, '\n')
		if fenceEnd < 0 {
			return "", nil, "", false
		}
		closeIdx := strings.Index(buf[fenceEnd+1:], "```")
		if closeIdx < 0 {
			return "", nil, "", false
		}
		jsonStr = buf[fenceEnd+1 : fenceEnd+1+closeIdx]
		rest = buf[fenceEnd+1+closeIdx+3:]
	case strings.HasPrefix(buf, "<tool_call>"):
		closeIdx := strings.Index(buf, "</tool_call>")
		if closeIdx < 0 {
			return "", nil, "", false
		}
		jsonStr = buf[len("<tool_call>"):closeIdx]
		rest = buf[closeIdx+len("</tool_call>"):]
	default:
		end, ok := balancedBraceEnd(buf)
		if !ok {
			return "", nil, "", false
		}
		jsonStr = buf[:end]
		rest = buf[end:]
	}

	n, a, ok := decodeToolCallJSON(jsonStr)
	if !ok {
		return "", nil, "", false
	}
	return n, a, rest, true
}

// balancedBraceEnd scans for the index just past the closing brace that
// balances the first '{' in s, respecting string literals.
func balancedBraceEnd(s string) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// canonicalJSON re-marshals a decoded map so equivalent tool calls produce
// identical text regardless of key order in the original output; Go's
// encoding/json sorts map keys on marshal.
func canonicalJSON(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reconciler) dedupKey(name, argsJSON string) string {
	h := sha256.Sum256([]byte(name + "|" + argsJSON))
	return hex.EncodeToString(h[:])
}

func (r *Reconciler) isDuplicate(name, argsJSON string) bool {
	return r.seen[r.dedupKey(name, argsJSON)]
}

func (r *Reconciler) markSeen(name, argsJSON string) {
	r.seen[r.dedupKey(name, argsJSON)] = true
}
