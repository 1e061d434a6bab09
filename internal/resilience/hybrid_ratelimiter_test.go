package resilience

import (
	"context"
	"testing"
	"time"
)

func TestHybridRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewHybridRateLimiter(3, 1, 5, 10*time.Millisecond)
	defer rl.Stop()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !rl.Allow(ctx) {
			t.Fatalf("expected token %d to be available within burst", i)
		}
	}
	if rl.Allow(ctx) {
		t.Fatalf("expected burst to be exhausted")
	}
}

func TestHybridRateLimiterQueuesExcessAndDrains(t *testing.T) {
	rl := NewHybridRateLimiter(1, 1000, 2, 5*time.Millisecond)
	defer rl.Stop()
	ctx := context.Background()
	if !rl.Allow(ctx) {
		t.Fatalf("expected first call to consume the single token")
	}

	ctx2, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rl.Wait(ctx2); err != nil {
		t.Fatalf("expected queued caller to be drained, got %v", err)
	}
}

func TestHybridRateLimiterDeniesWhenQueueFull(t *testing.T) {
	rl := NewHybridRateLimiter(0, 0, 1, time.Hour)
	defer rl.Stop()
	ctx := context.Background()

	go rl.Wait(ctx)
	time.Sleep(20 * time.Millisecond)

	if err := rl.Wait(ctx); err != ErrRateLimitExceeded {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
}
