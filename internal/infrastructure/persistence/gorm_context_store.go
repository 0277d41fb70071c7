package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/repository"
	"github.com/ngoclaw/agentcore/internal/infrastructure/persistence/models"
	domainErrors "github.com/ngoclaw/agentcore/pkg/errors"
	"gorm.io/gorm"
)

// GormContextStore is the GORM-backed ContextStore, persisting each
// Conversation as a single JSON blob keyed by session ID.
type GormContextStore struct {
	db *gorm.DB
}

// NewGormContextStore builds a ContextStore over an already-migrated *gorm.DB.
func NewGormContextStore(db *gorm.DB) repository.ContextStore {
	return &GormContextStore{db: db}
}

func (s *GormContextStore) SaveConversation(ctx context.Context, sessionID string, conv *entity.Conversation) error {
	raw, err := json.Marshal(conv.Messages)
	if err != nil {
		return domainErrors.NewInternalErrorWithCause("failed to marshal conversation", err)
	}

	model := &models.ConversationModel{
		SessionID:   sessionID,
		System:      conv.System,
		MessagesRaw: string(raw),
	}

	if err := s.db.WithContext(ctx).Save(model).Error; err != nil {
		return domainErrors.NewInternalErrorWithCause("failed to save conversation", err)
	}
	return nil
}

func (s *GormContextStore) LoadConversation(ctx context.Context, sessionID string) (*entity.Conversation, error) {
	var model models.ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrSessionNotFound
		}
		return nil, domainErrors.NewInternalErrorWithCause("failed to load conversation", err)
	}

	var messages []entity.Message
	if err := json.Unmarshal([]byte(model.MessagesRaw), &messages); err != nil {
		return nil, domainErrors.NewInternalErrorWithCause("failed to unmarshal conversation", err)
	}

	return &entity.Conversation{System: model.System, Messages: messages}, nil
}

func (s *GormContextStore) DeleteConversation(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Delete(&models.ConversationModel{}, "session_id = ?", sessionID).Error; err != nil {
		return domainErrors.NewInternalErrorWithCause("failed to delete conversation", err)
	}
	return nil
}

func (s *GormContextStore) ListSessions(ctx context.Context, limit, offset int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.ConversationModel{}).
		Order("updated_at desc").
		Limit(limit).
		Offset(offset).
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, domainErrors.NewInternalErrorWithCause("failed to list sessions", err)
	}
	return ids, nil
}
