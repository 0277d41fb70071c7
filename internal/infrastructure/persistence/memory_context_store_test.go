package persistence

import (
	"context"
	"testing"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/repository"
)

func TestMemoryContextStore_SaveAndLoad(t *testing.T) {
	store := NewMemoryContextStore()
	ctx := context.Background()

	conv := entity.NewConversation("system prompt", "do the thing")
	conv.Append(entity.NewAssistantMessage([]entity.ContentBlock{entity.NewTextBlock("ok")}))

	if err := store.SaveConversation(ctx, "sess-1", conv); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}

	loaded, err := store.LoadConversation(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if loaded.System != "system prompt" {
		t.Errorf("System = %q, want %q", loaded.System, "system prompt")
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(loaded.Messages))
	}

	// mutating the loaded copy must not affect the stored original
	loaded.Messages[0].Text = "mutated"
	reloaded, err := store.LoadConversation(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadConversation (reload): %v", err)
	}
	if reloaded.Messages[0].Text == "mutated" {
		t.Error("LoadConversation returned an aliased slice, not a copy")
	}
}

func TestMemoryContextStore_LoadMissing(t *testing.T) {
	store := NewMemoryContextStore()
	_, err := store.LoadConversation(context.Background(), "does-not-exist")
	if err != repository.ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryContextStore_Delete(t *testing.T) {
	store := NewMemoryContextStore()
	ctx := context.Background()
	conv := entity.NewConversation("", "task")
	if err := store.SaveConversation(ctx, "sess-1", conv); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	if err := store.DeleteConversation(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := store.LoadConversation(ctx, "sess-1"); err != repository.ErrSessionNotFound {
		t.Fatalf("err after delete = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryContextStore_ListSessions_OrderedByRecency(t *testing.T) {
	store := NewMemoryContextStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.SaveConversation(ctx, id, entity.NewConversation("", "task")); err != nil {
			t.Fatalf("SaveConversation(%s): %v", id, err)
		}
	}

	ids, err := store.ListSessions(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("len(ids) = %d, want 3", len(ids))
	}
	// most recently saved ("c") should lead
	if ids[0] != "c" {
		t.Errorf("ids[0] = %q, want %q", ids[0], "c")
	}
}

func TestMemoryContextStore_ListSessions_Pagination(t *testing.T) {
	store := NewMemoryContextStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := store.SaveConversation(ctx, id, entity.NewConversation("", "task")); err != nil {
			t.Fatalf("SaveConversation(%s): %v", id, err)
		}
	}

	ids, err := store.ListSessions(ctx, 2, 1)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("len(ids) = %d, want 2", len(ids))
	}
}
