package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/internal/infrastructure/resilience"
	"go.uber.org/zap"
)

// EngineConfig bounds one Agent Loop Engine run: limits the orchestrator
// enforces regardless of what the model asks for.
type EngineConfig struct {
	MaxTokenBudget      int64         `json:"maxTokenBudget" yaml:"maxTokenBudget"` // <0 = unbounded; 0 = refuse before the first provider call
	MaxRunDuration      time.Duration `json:"maxRunDuration" yaml:"maxRunDuration"`
	ContextMaxTokens    int           `json:"contextMaxTokens" yaml:"contextMaxTokens"`
	ContextWarnRatio    float64       `json:"contextWarnRatio" yaml:"contextWarnRatio"`
	ContextHardRatio    float64       `json:"contextHardRatio" yaml:"contextHardRatio"`
	LoopDetectThreshold int           `json:"loopDetectThreshold" yaml:"loopDetectThreshold"`
	MaxParallelTools    int           `json:"maxParallelTools" yaml:"maxParallelTools"`
	ToolTimeout         time.Duration `json:"toolTimeout" yaml:"toolTimeout"`
	MaxRetries          int           `json:"maxRetries" yaml:"maxRetries"`                   // server/network/stream errors
	RateLimitMaxRetries int           `json:"rateLimitMaxRetries" yaml:"rateLimitMaxRetries"` // 429s get their own, more patient, budget
	RetryBaseWait       time.Duration `json:"retryBaseWait" yaml:"retryBaseWait"`
	RetryWaitCap        time.Duration `json:"retryWaitCap" yaml:"retryWaitCap"`
	Model               string        `json:"model" yaml:"model"`
	MaxOutputTokens     int           `json:"maxOutputTokens" yaml:"maxOutputTokens"`
	Temperature         float64       `json:"temperature" yaml:"temperature"`
}

// DefaultEngineConfig returns sane defaults for one agent run.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxTokenBudget:      -1, // unbounded, rely on RateCoordinator instead
		MaxRunDuration:      0,
		ContextMaxTokens:    128_000,
		ContextWarnRatio:    0.7,
		ContextHardRatio:    0.9,
		LoopDetectThreshold: 3,
		MaxParallelTools:    4,
		ToolTimeout:         2 * time.Minute,
		MaxRetries:          3,
		RateLimitMaxRetries: 5,
		RetryBaseWait:       250 * time.Millisecond,
		RetryWaitCap:        8 * time.Second,
		MaxOutputTokens:     4096,
		Temperature:         0.2,
	}
}

// AgentLoopEngine drives one agent's turn-by-turn loop: acquire rate budget,
// call the provider, reconcile its stream, execute any requested tools, and
// repeat until the model signals it is done, a hard limit trips, or the run
// is cancelled. One engine instance is scoped to one Conversation; the
// Orchestrator builds a fresh engine (with a fresh RateCoordinator
// allocation) per root run and per spawned sub-agent.
type AgentLoopEngine struct {
	id        string
	provider  Provider
	registry  domaintool.Registry
	executor  domaintool.Executor
	perms     domaintool.Permissions
	alloc     *Allocation
	cfg       EngineConfig
	ctxMgr    *ContextManager
	costGuard *CostGuard
	ctxGuard  *ContextGuard
	loopTrack *LoopTracker
	breakers  *resilience.Registry
	observer  Observer
	sm        *StateMachine
	logger    *zap.Logger
	toolCache *ToolResultCache
	toolCtx   domaintool.Context
}

// NewAgentLoopEngine wires together every collaborator one run needs.
func NewAgentLoopEngine(
	id string,
	provider Provider,
	registry domaintool.Registry,
	executor domaintool.Executor,
	perms domaintool.Permissions,
	alloc *Allocation,
	cfg EngineConfig,
	memory entity.MemoryStrategy,
	breakers *resilience.Registry,
	observer Observer,
	toolCtx domaintool.Context,
	logger *zap.Logger,
) *AgentLoopEngine {
	if observer == nil {
		observer = NoOpObserver{}
	}
	maxDuration := cfg.MaxRunDuration
	return &AgentLoopEngine{
		id:        id,
		provider:  provider,
		registry:  registry,
		executor:  executor,
		perms:     perms,
		alloc:     alloc,
		cfg:       cfg,
		ctxMgr:    NewContextManager(memory, nil, cfg.Model, logger),
		costGuard: NewCostGuard(cfg.MaxTokenBudget, maxDuration, logger),
		ctxGuard:  NewContextGuard(cfg.ContextMaxTokens, cfg.ContextWarnRatio, cfg.ContextHardRatio, logger),
		loopTrack: NewLoopTracker(cfg.LoopDetectThreshold),
		breakers:  breakers,
		observer:  observer,
		sm:        NewStateMachine(0, logger),
		logger:    logger,
		toolCache: NewToolResultCache(30*time.Second, 100),
		toolCtx:   toolCtx,
	}
}

// Run drives the loop to completion against conv, mutating it in place.
// On cancellation or a fatal error, conv is rolled back to the length it
// had when Run was called; on success the accumulated turns remain.
func (e *AgentLoopEngine) Run(ctx context.Context, conv *entity.Conversation, maxIterations int) entity.AgentResult {
	started := time.Now()
	entryLen := conv.Len()
	iterations := 0
	var errs []string

	rollback := func() {
		conv.TruncateTo(entryLen)
	}

	for {
		iterations++
		// maxIterations == 0 is an explicit immediate abort, not "unbounded".
		if iterations > maxIterations {
			errs = append(errs, "max iterations reached")
			rollback()
			e.finish(StateError)
			return e.result(false, iterations-1, started, errs, conv)
		}

		select {
		case <-ctx.Done():
			rollback()
			e.finish(StateAborted)
			return e.result(false, iterations, started, []string{"cancelled"}, conv)
		default:
		}

		if err := e.costGuard.CheckBudget(); err != nil {
			errs = append(errs, err.Error())
			rollback()
			e.finish(StateError)
			return e.result(false, iterations, started, errs, conv)
		}

		if e.ctxGuard != nil {
			check := e.ctxGuard.Check(conv)
			if check.NeedCompaction || e.ctxMgr.NeedsTrim(conv) {
				before, after := e.ctxMgr.TrimUntil(ctx, conv)
				e.observer.OnContextTrimmed(e.id, before, after)
			}
		}

		resp, agentErr := e.turn(ctx, conv)
		if agentErr != nil {
			if agentErr.Kind == ErrCancelled {
				rollback()
				e.finish(StateAborted)
				return e.result(false, iterations, started, []string{agentErr.Error()}, conv)
			}
			errs = append(errs, agentErr.Error())
			rollback()
			e.finish(StateError)
			return e.result(false, iterations, started, errs, conv)
		}

		// End-turn with tool uses still pending is treated like tool_use:
		// execute them, then give the model another turn.
		if resp.StopReason != StopToolUse && len(lastToolUses(conv)) == 0 {
			e.finish(StateComplete)
			return e.result(true, iterations, started, nil, conv)
		}

		if loopErr := e.runToolPhase(ctx, conv, resp); loopErr != nil {
			errs = append(errs, loopErr.Error())
			rollback()
			e.finish(StateError)
			return e.result(false, iterations, started, errs, conv)
		}
	}
}

// lastToolUses returns the tool_use blocks of the newest conversation turn.
func lastToolUses(conv *entity.Conversation) []entity.ContentBlock {
	if len(conv.Messages) == 0 {
		return nil
	}
	return conv.Messages[len(conv.Messages)-1].ToolUses()
}

// turn performs exactly one AcquireBudget→CallProvider cycle (Run checks the
// iteration and token limits before calling it), including the provider's
// own retry/classification policy, and appends the resulting assistant
// message to conv.
func (e *AgentLoopEngine) turn(ctx context.Context, conv *entity.Conversation) (*Response, *AgentError) {
	req := Request{
		Conversation: conv,
		Tools:        toolDefinitionsAsMaps(e.registry),
		Model:        e.cfg.Model,
		MaxTokens:    e.cfg.MaxOutputTokens,
		Temperature:  e.cfg.Temperature,
	}

	breaker := e.breakers.For(e.cfg.Model)

	rlAttempts, srvAttempts, trimAttempts := 0, 0, 0
	for {
		select {
		case <-ctx.Done():
			return nil, &AgentError{Kind: ErrCancelled, Message: "request cancelled", Cause: ctx.Err()}
		default:
		}

		if !breaker.Allow() {
			return nil, &AgentError{Kind: ErrServerError, Message: "circuit open for model " + e.cfg.Model}
		}

		estimate := int64(e.ctxMgr.CurrentTokenCount(conv))
		if estimate < 1 {
			estimate = 1
		}
		if e.alloc != nil {
			e.alloc.WaitForBudget(estimate)
		}

		e.sm.Transition(StateStreaming)
		resp, blocks, usage, err := e.streamOnce(ctx, req)
		if err == nil {
			breaker.RecordSuccess()
			conv.Append(entity.NewAssistantMessage(blocks))
			resp.Usage = usage
			resp.Content = blocks
			actual := usage.InputTokens + usage.OutputTokens
			e.sm.AddTokens(int(actual))
			if e.alloc != nil {
				// The estimate was consumed up front; charge only the overshoot.
				e.alloc.RecordUsage(actual - estimate)
			}
			if budgetErr := e.costGuard.AddTokens(actual); budgetErr != nil {
				return nil, &AgentError{Kind: ErrLimitHit, Message: budgetErr.Error()}
			}
			return resp, nil
		}

		classified := ClassifyError(err, "engine", e.cfg.Model)

		switch classified.Kind {
		case ErrCancelled:
			return nil, classified

		case ErrRateLimited:
			rlAttempts++
			if rlAttempts > e.cfg.RateLimitMaxRetries {
				e.sm.RecordError()
				return nil, classified
			}
			wait := classified.RetryAfter
			if wait <= 0 {
				wait = e.cfg.RetryBaseWait * time.Duration(rlAttempts)
			}
			if e.cfg.RetryWaitCap > 0 && wait > e.cfg.RetryWaitCap {
				wait = e.cfg.RetryWaitCap
			}
			e.observer.OnRateLimited(e.id, rlAttempts, wait)
			e.sm.Transition(StateRetrying)
			time.Sleep(wait)
			e.sm.RecordRetry()

		case ErrContextTooLong:
			trimAttempts++
			if trimAttempts > 2 {
				e.sm.RecordError()
				return nil, classified
			}
			e.observer.OnContextTooLong(e.id, int64(e.ctxMgr.CurrentTokenCount(conv)))
			before, after := e.ctxMgr.TrimUntil(ctx, conv)
			e.observer.OnContextTrimmed(e.id, before, after)
			e.sm.Transition(StateRetrying)
			e.sm.RecordRetry()

		case ErrServerError, ErrNetwork, ErrStreamError, ErrTimeout:
			breaker.RecordFailure()
			srvAttempts++
			if srvAttempts > e.cfg.MaxRetries {
				e.sm.RecordError()
				return nil, classified
			}
			backoff := e.cfg.RetryBaseWait * time.Duration(1<<uint(srvAttempts-1))
			if e.cfg.RetryWaitCap > 0 && backoff > e.cfg.RetryWaitCap {
				backoff = e.cfg.RetryWaitCap
			}
			e.sm.Transition(StateRetrying)
			time.Sleep(backoff)
			e.sm.RecordRetry()

		default:
			e.sm.RecordError()
			return nil, classified
		}
	}
}

// streamOnce drains one provider stream into content blocks.
func (e *AgentLoopEngine) streamOnce(ctx context.Context, req Request) (*Response, []entity.ContentBlock, Usage, error) {
	events, errCh := e.provider.CompleteStream(ctx, req)

	type building struct {
		kind      entity.BlockKind
		text      string
		toolID    string
		toolName  string
		inputJSON string
	}
	blocksByIdx := make(map[int]*building)
	order := []int{}
	prefixSent := false
	var stopReason StopReason
	var usage Usage
	var messageID, model string

	for ev := range events {
		if !prefixSent {
			e.observer.OnResponsePrefix(e.id)
			prefixSent = true
		}
		switch ev.Kind {
		case EventMessageStart:
			messageID = ev.MessageID
			model = ev.Model
		case EventContentBlockStart:
			b := &building{kind: ev.BlockKind, toolID: ev.ToolUseID, toolName: ev.ToolName}
			blocksByIdx[ev.Index] = b
			order = append(order, ev.Index)
		case EventContentBlockDelta:
			b, ok := blocksByIdx[ev.Index]
			if !ok {
				b = &building{kind: ev.BlockKind}
				blocksByIdx[ev.Index] = b
				order = append(order, ev.Index)
			}
			if ev.TextDelta != "" {
				b.text += ev.TextDelta
				e.observer.OnTextDelta(e.id, ev.TextDelta)
			}
			if ev.InputJSON != "" {
				b.inputJSON += ev.InputJSON
			}
		case EventContentBlockStop:
			// nothing to do; block stays accumulated until message_stop
		case EventMessageDelta:
			if ev.StopReason != "" {
				stopReason = ev.StopReason
			}
			usage = ev.Usage
		case EventMessageStop:
			stopReason = ev.StopReason
		}
	}

	if err := <-errCh; err != nil {
		return nil, nil, Usage{}, err
	}

	blocks := make([]entity.ContentBlock, 0, len(order))
	for _, idx := range order {
		b := blocksByIdx[idx]
		switch b.kind {
		case entity.BlockText:
			// Thinking-tag content never lands in the conversation; it would
			// be replayed to the model (and counted) on every later turn.
			if text := StripReasoningTags(b.text); text != "" {
				blocks = append(blocks, entity.NewTextBlock(text))
			}
		case entity.BlockToolUse:
			input := parseToolInputJSON(b.inputJSON)
			blocks = append(blocks, entity.NewToolUseBlock(b.toolID, b.toolName, input))
		}
	}

	return &Response{ID: messageID, Model: model, StopReason: stopReason, Usage: usage}, blocks, usage, nil
}

// runToolPhase executes every tool_use block the last assistant turn
// produced, applying permission checks and loop detection, then appends a
// single tool-result message back to the conversation.
func (e *AgentLoopEngine) runToolPhase(ctx context.Context, conv *entity.Conversation, resp *Response) *AgentError {
	last := conv.Messages[len(conv.Messages)-1]
	calls := last.ToolUses()
	if len(calls) == 0 {
		return nil
	}

	_ = e.sm.Transition(StateToolExec)
	e.observer.OnToolPhaseStart(e.id, len(calls))

	type outcome struct {
		block entity.ContentBlock
		fatal bool
	}

	sem := make(chan struct{}, maxInt(1, e.cfg.MaxParallelTools))
	results := make([]outcome, len(calls))
	done := make(chan int, len(calls))

	for i, call := range calls {
		action := e.loopTrack.Record(call.ToolName, call.ToolInput)
		switch action {
		case LoopFatal:
			e.observer.OnLoopDetected(e.id, call.ToolName, true)
			return &AgentError{Kind: ErrLoopDetected, Message: fmt.Sprintf("tool %q repeated identically after a break", call.ToolName)}
		case LoopBreak:
			e.observer.OnLoopDetected(e.id, call.ToolName, false)
		case LoopRecovered:
			e.observer.OnLoopRecovery(e.id)
		}

		sem <- struct{}{}
		go func(i int, call entity.ContentBlock, injectBreak bool) {
			defer func() { <-sem; done <- i }()
			results[i] = e.executeOne(ctx, call, injectBreak)
		}(i, call, action == LoopBreak)
	}

	for range calls {
		<-done
	}

	blocks := make([]entity.ContentBlock, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, r.block)
	}
	conv.Append(entity.NewToolResultMessage(blocks))

	e.sm.RecordToolExec(fmt.Sprintf("%d tools", len(calls)))
	_ = resp
	return nil
}

// executeOne runs a single tool call with a bound timeout, honoring
// permissions and the short-TTL result cache, and reports its outcome to the
// Observer. When injectBreak is true, the loop tracker has already escalated
// this exact call to LoopBreak, so a synthetic error result is returned
// instead of actually invoking the tool again.
func (e *AgentLoopEngine) executeOne(ctx context.Context, call entity.ContentBlock, injectBreak bool) struct {
	block entity.ContentBlock
	fatal bool
} {
	e.observer.OnToolInvocation(e.id, call.ToolName, call.ToolInput)

	if injectBreak {
		msg := fmt.Sprintf("tool %q has been called with identical arguments %d times in a row; stop repeating it and try a different approach", call.ToolName, e.cfg.LoopDetectThreshold)
		e.observer.OnToolResult(e.id, call.ToolName, msg, true)
		return struct {
			block entity.ContentBlock
			fatal bool
		}{entity.NewToolResultBlock(call.ToolUseID, msg, true), false}
	}

	if !e.perms.CanUseTool(call.ToolName) {
		msg := fmt.Sprintf("tool %q is not permitted for this agent", call.ToolName)
		e.observer.OnToolResult(e.id, call.ToolName, msg, true)
		return struct {
			block entity.ContentBlock
			fatal bool
		}{entity.NewToolResultBlock(call.ToolUseID, msg, true), false}
	}

	if out, success, hit := e.toolCache.Get(call.ToolName, call.ToolInput); hit {
		e.observer.OnToolResult(e.id, call.ToolName, out, !success)
		return struct {
			block entity.ContentBlock
			fatal bool
		}{entity.NewToolResultBlock(call.ToolUseID, out, !success), false}
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	defer cancel()

	result, err := e.executor.Execute(toolCtx, call.ToolName, call.ToolInput, e.toolCtx)
	if err != nil {
		msg := err.Error()
		e.observer.OnToolResult(e.id, call.ToolName, msg, true)
		return struct {
			block entity.ContentBlock
			fatal bool
		}{entity.NewToolResultBlock(call.ToolUseID, msg, true), false}
	}

	e.toolCache.Put(call.ToolName, call.ToolInput, result.Content, !result.IsError)
	e.observer.OnToolResult(e.id, call.ToolName, result.Content, result.IsError)
	return struct {
		block entity.ContentBlock
		fatal bool
	}{entity.NewToolResultBlock(call.ToolUseID, result.Content, result.IsError), false}
}

func (e *AgentLoopEngine) finish(state AgentState) {
	_ = e.sm.Transition(state)
}

func (e *AgentLoopEngine) result(success bool, iterations int, started time.Time, errs []string, conv *entity.Conversation) entity.AgentResult {
	snap := e.sm.Snapshot()
	completed := time.Now()
	if success {
		r := entity.SuccessResult(lastAssistantText(conv), iterations, snap.TokensUsed, started, completed)
		e.observer.OnAgentComplete(e.id, r)
		return r
	}
	r := entity.FailureResult(errs, iterations, snap.TokensUsed, started, completed)
	e.observer.OnAgentComplete(e.id, r)
	return r
}

// lastAssistantText returns the final assistant turn's text, used as the
// run's summary when it completed normally.
func lastAssistantText(conv *entity.Conversation) string {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		msg := conv.Messages[i]
		if msg.Role != entity.RoleAssistant {
			continue
		}
		if msg.Text != "" {
			return msg.Text
		}
		for _, b := range msg.Blocks {
			if b.Kind == entity.BlockText && b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

func toolDefinitionsAsMaps(registry domaintool.Registry) []map[string]interface{} {
	defs := registry.List()
	out := make([]map[string]interface{}, 0, len(defs))
	for _, d := range defs {
		out = append(out, map[string]interface{}{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.Parameters,
		})
	}
	return out
}

// parseToolInputJSON decodes a tool_use block's accumulated JSON fragment.
// An empty or malformed fragment yields an empty argument map rather than
// failing the whole turn — the tool itself will reject missing arguments.
func parseToolInputJSON(raw string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
