package entity

import "errors"

var (
	// Conversation invariants
	ErrDanglingToolResult = errors.New("tool result references a tool_use id not present earlier in the conversation")

	// AgentConfig invariants
	ErrInvalidAgentID            = errors.New("invalid agent id")
	ErrMaxIterationsNonPositive  = errors.New("max_iterations must be > 0")
	ErrSummarizingTargetTooLarge = errors.New("summarizing memory strategy requires target < threshold")
)
