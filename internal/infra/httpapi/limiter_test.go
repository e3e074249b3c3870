package httpapi

import (
	"testing"
	"time"
)

func TestRateLimiterPerIP(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(RateLimitConfig{PerIPRPS: 0.001, PerIPBurst: 1})
	if !rl.Allow("10.0.0.1") {
		t.Fatalf("first request should pass")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatalf("second request from the same client should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatalf("another client has its own budget")
	}
}

func TestRateLimiterGlobal(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(RateLimitConfig{GlobalRPS: 1})
	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.Allow("10.0.0.1") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("expected global burst of 2, got %d", allowed)
	}
}

func TestRateLimiterRejectedClientKeepsGlobalBudget(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(RateLimitConfig{GlobalRPS: 1, PerIPRPS: 0.001, PerIPBurst: 1})
	if !rl.Allow("10.0.0.1") {
		t.Fatalf("first request should pass")
	}
	for i := 0; i < 10; i++ {
		if rl.Allow("10.0.0.1") {
			t.Fatalf("request %d from a limited client should be rejected", i)
		}
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatalf("rejected requests from another client drained the global budget")
	}
	if rl.Allow("10.0.0.3") {
		t.Fatalf("global burst of 2 should now be spent")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d limited with limits disabled", i)
		}
	}
}

func TestRateLimiterSweepDropsIdleClients(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimitConfig{PerIPRPS: 1, PerIPBurst: 1, IdleTTL: time.Minute})
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(30 * time.Second)
	rl.Allow("b")
	now = now.Add(45 * time.Second)

	if removed := rl.Sweep(); removed != 1 {
		t.Fatalf("expected 1 idle client removed, got %d", removed)
	}
	if _, ok := rl.clients["b"]; !ok {
		t.Fatalf("recent client should be kept")
	}
}
