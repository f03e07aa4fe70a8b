package router

import (
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_WindowReset(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow(1) || !rl.Allow(1) {
		t.Fatal("First two messages should be allowed")
	}
	if rl.Allow(1) {
		t.Error("Third message inside the window should be rejected")
	}

	now = now.Add(time.Minute)
	if !rl.Allow(1) {
		t.Error("Message after the window should be allowed")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	for i := 0; i < 1000; i++ {
		if !rl.Allow(1) {
			t.Fatal("Disabled limiter rejected a message")
		}
	}
	if rl.Tracked() != 0 {
		t.Error("Disabled limiter should not track users")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(DefaultRateLimit, time.Minute)
	rl.now = func() time.Time { return now }

	rl.Allow(1)
	now = now.Add(3 * time.Minute)
	rl.Allow(2)
	now = now.Add(3 * time.Minute)

	rl.Cleanup()
	if rl.Tracked() != 1 {
		t.Errorf("Expected only the recent user to remain, got %d", rl.Tracked())
	}
}

func TestRateLimiter_ConcurrentAllow(t *testing.T) {
	rl := NewRateLimiter(50, time.Hour)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow(7) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("Expected exactly 50 allowed, got %d", allowed)
	}
}
