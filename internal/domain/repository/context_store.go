package repository

import (
	"context"
	"errors"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// ErrSessionNotFound is returned by LoadConversation when sessionID has no
// stored conversation.
var ErrSessionNotFound = errors.New("context store: session not found")

// ContextStore persists and restores an agent run's Conversation across
// process restarts, keyed by an opaque session ID (the Agent Loop Engine's
// agent ID). It knows nothing about rate budgets, circuit breakers, or tool
// permissions — only the conversation transcript itself.
type ContextStore interface {
	// SaveConversation persists the full conversation under sessionID,
	// overwriting whatever was previously stored for it.
	SaveConversation(ctx context.Context, sessionID string, conv *entity.Conversation) error

	// LoadConversation returns the conversation stored under sessionID, or
	// ErrSessionNotFound if nothing has been saved for it yet.
	LoadConversation(ctx context.Context, sessionID string) (*entity.Conversation, error)

	// DeleteConversation removes a stored conversation. Deleting a session
	// that was never saved is not an error.
	DeleteConversation(ctx context.Context, sessionID string) error

	// ListSessions returns known session IDs, most recently updated first.
	ListSessions(ctx context.Context, limit, offset int) ([]string, error)
}
