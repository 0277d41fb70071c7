package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
)

func TestSpawnTool_Execute_Success(t *testing.T) {
	registry := NewRegistry()
	run := func(ctx context.Context, cfg entity.AgentConfig) (entity.AgentResult, error) {
		if cfg.Type() != entity.AgentTypeExplore {
			t.Errorf("agent type = %v, want explore", cfg.Type())
		}
		if cfg.ParentID() != "root" {
			t.Errorf("parent id = %q, want root", cfg.ParentID())
		}
		return entity.SuccessResult("found it", 3, 120, time.Now(), time.Now()), nil
	}

	tool := NewSpawnTool("root", 0, 3, domaintool.NewPermissions(nil, nil), run, registry, nil)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"agent_type": "explore",
		"task":       "find the bug",
	}, domaintool.Context{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error result: %s", result.Content)
	}

	children := registry.Children("root")
	if len(children) != 1 {
		t.Fatalf("expected 1 tracked child, got %d", len(children))
	}
	if children[0].Status != StatusCompleted {
		t.Errorf("status = %v, want completed", children[0].Status)
	}
}

func TestSpawnTool_Execute_DepthRefused(t *testing.T) {
	registry := NewRegistry()
	called := false
	run := func(ctx context.Context, cfg entity.AgentConfig) (entity.AgentResult, error) {
		called = true
		return entity.AgentResult{}, nil
	}

	tool := NewSpawnTool("root", 3, 3, domaintool.NewPermissions(nil, nil), run, registry, nil)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"agent_type": "explore",
		"task":       "find the bug",
	}, domaintool.Context{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a depth-refusal error result")
	}
	if called {
		t.Error("runner should not be invoked once depth is refused")
	}
}

func TestSpawnTool_Execute_PermissionDenied(t *testing.T) {
	registry := NewRegistry()
	run := func(ctx context.Context, cfg entity.AgentConfig) (entity.AgentResult, error) {
		t.Fatal("runner should not be invoked when spawn_agent itself is denied")
		return entity.AgentResult{}, nil
	}

	perms := domaintool.NewPermissions([]string{"file_read"}, nil)
	tool := NewSpawnTool("root", 0, 3, perms, run, registry, nil)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"agent_type": "explore",
		"task":       "find the bug",
	}, domaintool.Context{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a permission-denied error result")
	}
}

func TestSpawnTool_Execute_MissingArgs(t *testing.T) {
	registry := NewRegistry()
	tool := NewSpawnTool("root", 0, 3, domaintool.NewPermissions(nil, nil), nil, registry, nil)

	result, err := tool.Execute(context.Background(), map[string]interface{}{"agent_type": "explore"}, domaintool.Context{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a missing-arguments error result")
	}
}

func TestSpawnTool_Execute_ChildFailure(t *testing.T) {
	registry := NewRegistry()
	wantErr := errors.New("boom")
	run := func(ctx context.Context, cfg entity.AgentConfig) (entity.AgentResult, error) {
		return entity.AgentResult{}, wantErr
	}

	tool := NewSpawnTool("root", 0, 3, domaintool.NewPermissions(nil, nil), run, registry, nil)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"agent_type": "bash",
		"task":       "run the tests",
	}, domaintool.Context{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error result when the runner fails")
	}

	children := registry.Children("root")
	if len(children) != 1 || children[0].Status != StatusError {
		t.Fatalf("expected tracked child with error status, got %+v", children)
	}
}

func TestSpawnTool_Execute_Background(t *testing.T) {
	registry := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	run := func(ctx context.Context, cfg entity.AgentConfig) (entity.AgentResult, error) {
		close(started)
		<-release
		return entity.SuccessResult("done later", 2, 50, time.Now(), time.Now()), nil
	}

	tool := NewSpawnTool("root", 0, 3, domaintool.NewPermissions(nil, nil), run, registry, nil)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"agent_type": "explore",
		"task":       "long survey",
		"background": true,
	}, domaintool.Context{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected a detached handle, got error result: %s", result.Content)
	}

	// Execute must have returned while the child is still running.
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("background runner never started")
	}
	children := registry.Children("root")
	if len(children) != 1 || children[0].Status != StatusRunning {
		t.Fatalf("expected a running tracked child, got %+v", children)
	}

	close(release)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := registry.Get(children[0].ID); ok && rec.Status == StatusCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background child never reached completed status")
}

func TestRegistry_Concurrency(t *testing.T) {
	registry := NewRegistry()
	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		go func(idx int) {
			registry.add(&Record{ID: string(rune('a' + idx)), ParentID: "root"})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	if len(registry.Children("root")) != 10 {
		t.Errorf("expected 10 children, got %d", len(registry.Children("root")))
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusRunning, "running"},
		{StatusCompleted, "completed"},
		{StatusError, "error"},
		{StatusTerminated, "terminated"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("String() = %v, want %v", got, tt.want)
		}
	}
}
