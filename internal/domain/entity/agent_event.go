package entity

// ToolCallInfo is a tool call as parsed off a transport-level LLM response,
// before it is folded into a ContentBlock on the canonical Conversation.
type ToolCallInfo struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}
