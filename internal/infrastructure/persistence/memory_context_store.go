package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/repository"
)

// MemoryContextStore is an in-process ContextStore, for development and
// tests where a real database is unnecessary.
type MemoryContextStore struct {
	mu      sync.RWMutex
	convs   map[string]*entity.Conversation
	updated map[string]time.Time
}

// NewMemoryContextStore builds an empty in-memory ContextStore.
func NewMemoryContextStore() repository.ContextStore {
	return &MemoryContextStore{
		convs:   make(map[string]*entity.Conversation),
		updated: make(map[string]time.Time),
	}
}

func (s *MemoryContextStore) SaveConversation(_ context.Context, sessionID string, conv *entity.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := &entity.Conversation{
		System:   conv.System,
		Messages: append([]entity.Message(nil), conv.Messages...),
	}
	s.convs[sessionID] = cp
	s.updated[sessionID] = time.Now()
	return nil
}

func (s *MemoryContextStore) LoadConversation(_ context.Context, sessionID string) (*entity.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return &entity.Conversation{
		System:   conv.System,
		Messages: append([]entity.Message(nil), conv.Messages...),
	}, nil
}

func (s *MemoryContextStore) DeleteConversation(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, sessionID)
	delete(s.updated, sessionID)
	return nil
}

func (s *MemoryContextStore) ListSessions(_ context.Context, limit, offset int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.updated[ids[i]].After(s.updated[ids[j]]) })

	if offset >= len(ids) {
		return []string{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end], nil
}
