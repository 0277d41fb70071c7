package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorKind is the closed taxonomy of failures the agent loop must classify
// every error into before deciding whether, and how, to retry.
type ErrorKind int

const (
	// ErrRateLimited: provider returned 429 / "rate limit". Retryable: sleep
	// and retry, bounded by a max attempt count.
	ErrRateLimited ErrorKind = iota
	// ErrContextTooLong: provider rejected the request as over its context
	// window. Retryable after trimming the conversation.
	ErrContextTooLong
	// ErrAuthentication: invalid/expired credentials. Not retryable.
	ErrAuthentication
	// ErrModelNotFound: the requested model does not exist for this provider.
	// Not retryable.
	ErrModelNotFound
	// ErrServerError: provider 5xx. Retryable with exponential backoff,
	// gated by the circuit breaker.
	ErrServerError
	// ErrNetwork: transport-level failure (connection reset, DNS, etc).
	// Retryable with exponential backoff, gated by the circuit breaker.
	ErrNetwork
	// ErrStreamError: the stream reconciler or transport failed mid-stream.
	// Retried like ErrServerError: the whole request is re-sent with
	// exponential backoff, gated by the circuit breaker.
	ErrStreamError
	// ErrTimeout: the call exceeded its deadline. Retryable with backoff.
	ErrTimeout
	// ErrToolNotAllowed: permission check rejected a requested tool call.
	// Not retryable; surfaced back to the model as a tool error result.
	ErrToolNotAllowed
	// ErrToolExecution: a tool ran and failed. Not retried by the engine;
	// the failure is surfaced to the model as a tool error result.
	ErrToolExecution
	// ErrLoopDetected: the loop tracker escalated to LoopFatal. Not retryable.
	ErrLoopDetected
	// ErrLimitHit: a hard resource limit (max iterations, token budget,
	// wall-clock budget) was reached. Not retryable.
	ErrLimitHit
	// ErrCancelled: the caller's context was cancelled. Not retryable.
	ErrCancelled
	// ErrInternal: a bug or invariant violation in the core itself.
	// Not retryable.
	ErrInternal
)

// String returns a human-readable label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrRateLimited:
		return "rate_limited"
	case ErrContextTooLong:
		return "context_too_long"
	case ErrAuthentication:
		return "authentication"
	case ErrModelNotFound:
		return "model_not_found"
	case ErrServerError:
		return "server_error"
	case ErrNetwork:
		return "network"
	case ErrStreamError:
		return "stream_error"
	case ErrTimeout:
		return "timeout"
	case ErrToolNotAllowed:
		return "tool_not_allowed"
	case ErrToolExecution:
		return "tool_execution"
	case ErrLoopDetected:
		return "loop_detected"
	case ErrLimitHit:
		return "limit_hit"
	case ErrCancelled:
		return "cancelled"
	case ErrInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether the agent loop should ever retry this kind
// (the exact policy — sleep-retry, trim-retry, or backoff-retry — still
// depends on the kind; this only answers "never" vs "sometimes").
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case ErrRateLimited, ErrContextTooLong, ErrServerError, ErrNetwork, ErrStreamError, ErrTimeout:
		return true
	default:
		return false
	}
}

// AgentError is a structured, classified error from any stage of an agent
// run: provider call, stream reconciliation, tool execution, or an
// internally-enforced limit.
type AgentError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Provider   string
	Model      string
	RetryAfter time.Duration // for ErrRateLimited, when the provider said how long to wait
	Cause      error
}

func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Cause }

func (e *AgentError) IsRetryable() bool { return e.Kind.IsRetryable() }

// ClassifyError examines a raw error from a provider call and returns a
// classified AgentError. Already-classified errors pass through unchanged.
func ClassifyError(err error, provider, model string) *AgentError {
	if err == nil {
		return nil
	}

	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr
	}

	if errors.Is(err, context.Canceled) {
		return &AgentError{Kind: ErrCancelled, Message: "request cancelled", Provider: provider, Model: model, Cause: err}
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case containsAny(errStr, "context canceled"):
		return &AgentError{Kind: ErrCancelled, Message: "request cancelled", Provider: provider, Model: model, Cause: err}

	case containsAny(errStr, "429", "rate limit", "too many requests"):
		return &AgentError{Kind: ErrRateLimited, Message: "rate limited", StatusCode: extractStatusCode(errStr), RetryAfter: extractRetryAfter(errStr), Provider: provider, Model: model, Cause: err}

	case IsContextOverflowError(err):
		return &AgentError{Kind: ErrContextTooLong, Message: "context window exceeded", Provider: provider, Model: model, Cause: err}

	case containsAny(errStr, "unauthorized", "invalid api key", "401", "403", "authentication", "permission denied"):
		return &AgentError{Kind: ErrAuthentication, Message: "authentication failed", StatusCode: extractStatusCode(errStr), Provider: provider, Model: model, Cause: err}

	case containsAny(errStr, "model not found", "unknown model", "404"):
		return &AgentError{Kind: ErrModelNotFound, Message: "model not found", StatusCode: extractStatusCode(errStr), Provider: provider, Model: model, Cause: err}

	case containsAny(errStr, "500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable"):
		return &AgentError{Kind: ErrServerError, Message: "provider server error", StatusCode: extractStatusCode(errStr), Provider: provider, Model: model, Cause: err}

	case containsAny(errStr, "timeout", "deadline exceeded", "timed out"):
		return &AgentError{Kind: ErrTimeout, Message: "request timed out", Provider: provider, Model: model, Cause: err}

	case containsAny(errStr, "connection reset", "connection refused", "no such host", "eof", "broken pipe", "dial tcp"):
		return &AgentError{Kind: ErrNetwork, Message: "network failure", Provider: provider, Model: model, Cause: err}

	case containsAny(errStr, "sse", "stream", "chunk"):
		return &AgentError{Kind: ErrStreamError, Message: "stream failure", Provider: provider, Model: model, Cause: err}

	default:
		return &AgentError{Kind: ErrInternal, Message: "unclassified error", StatusCode: extractStatusCode(errStr), Provider: provider, Model: model, Cause: err}
	}
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

var retryAfterRe = regexp.MustCompile(`retry[- ]after[:\s]+(\d+)`)

// extractRetryAfter pulls a "retry after N" hint (seconds) out of a 429
// error string, so the engine can honor the provider's own pacing instead
// of guessing a backoff.
func extractRetryAfter(errStr string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(errStr)
	if len(m) != 2 {
		return 0
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// extractStatusCode tries to find an HTTP status code in an error string.
func extractStatusCode(errStr string) int {
	codes := []int{400, 401, 403, 404, 429, 500, 502, 503, 504, 529}
	for _, c := range codes {
		if strings.Contains(errStr, fmt.Sprintf("%d", c)) {
			return c
		}
	}
	return 0
}
