package service

import (
	"sync"
	"testing"
	"time"
)

func TestTokenBucket_StartsFull(t *testing.T) {
	b := NewTokenBucket(1000, 100)
	if lvl := b.Level(); lvl != 1000 {
		t.Fatalf("new bucket should start full, level=%d", lvl)
	}
}

func TestTokenBucket_TryConsume(t *testing.T) {
	b := NewTokenBucket(100, 0)

	if !b.TryConsume(60) {
		t.Fatal("expected first consume to succeed")
	}
	if b.TryConsume(60) {
		t.Fatal("expected second consume to fail with only 40 left")
	}
	if !b.TryConsume(40) {
		t.Fatal("expected consuming the remainder to succeed")
	}
	if b.TryConsume(1) {
		t.Fatal("expected empty bucket to refuse")
	}
}

func TestTokenBucket_LevelBounds(t *testing.T) {
	b := NewTokenBucket(50, 1000)
	b.TryConsume(50)

	// Even after plenty of refill time, the level must clamp at capacity.
	time.Sleep(120 * time.Millisecond)
	lvl := b.Level()
	if lvl < 0 || lvl > 50 {
		t.Fatalf("level out of bounds: %d", lvl)
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	b := NewTokenBucket(100, 1000) // 1000 tokens/sec
	b.TryConsume(100)

	time.Sleep(50 * time.Millisecond)
	if !b.TryConsume(10) {
		t.Fatal("expected refill to make tokens available")
	}
}

func TestTokenBucket_WaitFor(t *testing.T) {
	b := NewTokenBucket(10, 1000)
	b.TryConsume(10)

	start := time.Now()
	elapsed := b.WaitFor(5)
	if elapsed < 0 {
		t.Fatal("negative elapsed")
	}
	if time.Since(start) > time.Second {
		t.Fatal("WaitFor took far longer than the refill rate requires")
	}
}

func TestTokenBucket_ZeroRateHangs(t *testing.T) {
	b := NewTokenBucket(0, 0)

	done := make(chan struct{})
	go func() {
		b.WaitFor(1)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitFor on a zero-capacity zero-rate bucket must hang")
	case <-time.After(50 * time.Millisecond):
		// correct by design
	}
}

func TestTokenBucket_WindowCounting(t *testing.T) {
	b := NewTokenBucket(1000, 0)

	b.TryConsume(100)
	b.RecordUsage(50)

	if usage := b.WindowUsage(); usage != 150 {
		t.Fatalf("expected window usage 150, got %d", usage)
	}
}

func TestTokenBucket_ConcurrentConsume(t *testing.T) {
	b := NewTokenBucket(1000, 0)

	var wg sync.WaitGroup
	succeeded := make(chan int64, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryConsume(10) {
				succeeded <- 10
			}
		}()
	}
	wg.Wait()
	close(succeeded)

	var total int64
	for n := range succeeded {
		total += n
	}
	// Deductions must be linearizable: exactly the bucket's capacity can be
	// consumed, never more.
	if total != 1000 {
		t.Fatalf("expected exactly 1000 tokens consumed, got %d", total)
	}
	if lvl := b.Level(); lvl != 0 {
		t.Fatalf("expected empty bucket, level=%d", lvl)
	}
}
