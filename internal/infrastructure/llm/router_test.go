package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/ngoclaw/agentcore/internal/domain/service"
	"go.uber.org/zap"
)

// fakeBackend is a scripted Provider for router tests.
type fakeBackend struct {
	name      string
	models    []string
	available bool
	err       error
	calls     int
}

func (f *fakeBackend) Name() string     { return f.name }
func (f *fakeBackend) Models() []string { return f.models }
func (f *fakeBackend) SupportsModel(model string) bool {
	if len(f.models) == 0 {
		return true
	}
	for _, m := range f.models {
		if m == model {
			return true
		}
	}
	return false
}
func (f *fakeBackend) IsAvailable(context.Context) bool { return f.available }

func (f *fakeBackend) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &service.LLMResponse{Content: "from " + f.name, ModelUsed: req.Model}, nil
}

func (f *fakeBackend) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	return f.Generate(ctx, req)
}

func TestRouter_PrefersFirstEligible(t *testing.T) {
	r := NewRouter(zap.NewNop())
	a := &fakeBackend{name: "a", available: true}
	b := &fakeBackend{name: "b", available: true}
	r.AddProvider(a)
	r.AddProvider(b)

	resp, err := r.Generate(context.Background(), &service.LLMRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "from a" {
		t.Fatalf("expected first provider to serve, got %q", resp.Content)
	}
	if b.calls != 0 {
		t.Fatal("second provider must not be touched on success")
	}
}

func TestRouter_FallsOverOnError(t *testing.T) {
	r := NewRouter(zap.NewNop())
	a := &fakeBackend{name: "a", available: true, err: errors.New("boom")}
	b := &fakeBackend{name: "b", available: true}
	r.AddProvider(a)
	r.AddProvider(b)

	resp, err := r.Generate(context.Background(), &service.LLMRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "from b" {
		t.Fatalf("expected failover to b, got %q", resp.Content)
	}
}

func TestRouter_SkipsByModelAndAvailability(t *testing.T) {
	r := NewRouter(zap.NewNop())
	wrongModel := &fakeBackend{name: "narrow", models: []string{"other"}, available: true}
	down := &fakeBackend{name: "down", available: false}
	serving := &fakeBackend{name: "serving", models: []string{"m"}, available: true}
	r.AddProvider(wrongModel)
	r.AddProvider(down)
	r.AddProvider(serving)

	resp, err := r.Generate(context.Background(), &service.LLMRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "from serving" {
		t.Fatalf("router picked the wrong backend: %q", resp.Content)
	}
	if wrongModel.calls != 0 || down.calls != 0 {
		t.Fatal("ineligible providers must never be called")
	}
}

func TestRouter_NoProviderAvailable(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.AddProvider(&fakeBackend{name: "down", available: false})

	if _, err := r.Generate(context.Background(), &service.LLMRequest{Model: "m"}); err == nil {
		t.Fatal("expected an error with no eligible provider")
	}
}

func TestRouter_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	r := NewRouter(zap.NewNop())
	failing := &fakeBackend{name: "flaky", available: true, err: errors.New("boom")}
	r.AddProvider(failing)

	for i := 0; i < 6; i++ {
		_, _ = r.Generate(context.Background(), &service.LLMRequest{Model: "m"})
	}
	callsWhenOpen := failing.calls

	// The breaker (threshold 5) is now open: further calls skip the backend.
	_, err := r.Generate(context.Background(), &service.LLMRequest{Model: "m"})
	if err == nil {
		t.Fatal("expected error while circuit is open")
	}
	if failing.calls != callsWhenOpen {
		t.Fatalf("open circuit must stop calls: %d -> %d", callsWhenOpen, failing.calls)
	}

	status := r.ListProviders(context.Background())
	if len(status) != 1 || status[0].CircuitState != "open" {
		t.Fatalf("expected open circuit in status, got %+v", status)
	}
}
