package entity

import "time"

// Role identifies who produced a message in a Conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockKind distinguishes the variants of a heterogeneous message content list.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ContentBlock is one element of a message's content list. Only the fields
// relevant to Kind are populated.
type ContentBlock struct {
	Kind BlockKind

	// BlockText
	Text string

	// BlockToolUse
	ToolUseID string
	ToolName  string
	ToolInput map[string]interface{}

	// BlockToolResult
	ToolResultForID string
	ToolResultText  string
	IsError         bool
}

// NewTextBlock builds a plain-text content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// NewToolUseBlock builds a tool-invocation content block.
func NewToolUseBlock(id, name string, input map[string]interface{}) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// NewToolResultBlock builds a tool-result content block referring back to a ToolUse.
func NewToolResultBlock(toolUseID, text string, isError bool) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolResultForID: toolUseID, ToolResultText: text, IsError: isError}
}

// Message is one turn in a Conversation: a role and either plain text or a
// list of heterogeneous content blocks.
type Message struct {
	Role      Role
	Text      string
	Blocks    []ContentBlock
	Timestamp time.Time
}

// HasBlocks reports whether this message carries structured blocks.
func (m Message) HasBlocks() bool {
	return len(m.Blocks) > 0
}

// ToolUses returns every ToolUse block in this message, in order.
func (m Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.Kind == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// NewUserMessage builds a plain-text user turn.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text, Timestamp: time.Now()}
}

// NewAssistantMessage builds an assistant turn from content blocks (text and/or tool uses).
func NewAssistantMessage(blocks []ContentBlock) Message {
	return Message{Role: RoleAssistant, Blocks: blocks, Timestamp: time.Now()}
}

// NewToolResultMessage builds a user-role turn carrying only ToolResult blocks,
// the conventional way tool outputs are threaded back to the model.
func NewToolResultMessage(results []ContentBlock) Message {
	return Message{Role: RoleUser, Blocks: results, Timestamp: time.Now()}
}

// Conversation is an ordered sequence of messages plus an optional system prompt.
type Conversation struct {
	System   string
	Messages []Message
}

// NewConversation starts a conversation with a system prompt and an initial user message.
func NewConversation(system, userTask string) *Conversation {
	return &Conversation{
		System:   system,
		Messages: []Message{NewUserMessage(userTask)},
	}
}

// Len returns the number of messages; used to snapshot/rollback on cancel or failure.
func (c *Conversation) Len() int {
	return len(c.Messages)
}

// Append adds a message to the end of the conversation.
func (c *Conversation) Append(m Message) {
	c.Messages = append(c.Messages, m)
}

// TruncateTo rolls the conversation back to a prior length, discarding every
// message appended since. Used on cancellation or a failed run.
func (c *Conversation) TruncateTo(n int) {
	if n < 0 || n > len(c.Messages) {
		return
	}
	c.Messages = c.Messages[:n]
}

// ValidateToolResults checks that every ToolResult block refers to a
// ToolUse.ID that appears earlier in the conversation.
func (c *Conversation) ValidateToolResults() error {
	seen := make(map[string]bool)
	for _, msg := range c.Messages {
		for _, b := range msg.Blocks {
			switch b.Kind {
			case BlockToolUse:
				seen[b.ToolUseID] = true
			case BlockToolResult:
				if !seen[b.ToolResultForID] {
					return ErrDanglingToolResult
				}
			}
		}
	}
	return nil
}
