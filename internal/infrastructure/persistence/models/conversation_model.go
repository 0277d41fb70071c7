package models

import (
	"time"

	"gorm.io/gorm"
)

// ConversationModel is the persisted row for one agent session's
// Conversation: system prompt plus a JSON-encoded message list. Messages are
// stored as a single JSON blob rather than one row per message, since a
// Conversation is always read and written as a whole unit by the Context
// Manager — never queried message-by-message.
type ConversationModel struct {
	SessionID   string `gorm:"primaryKey;size:64"`
	System      string `gorm:"type:text"`
	MessagesRaw string `gorm:"type:text;not null"` // JSON-encoded []entity.Message
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

// TableName pins the table name instead of relying on gorm's pluralization.
func (ConversationModel) TableName() string {
	return "conversations"
}
