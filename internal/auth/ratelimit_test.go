package auth

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	limiter := NewRateLimiter(6000, 10)

	for i := 0; i < 10; i++ {
		if ok, _ := limiter.Allow("alice", nil); !ok {
			t.Errorf("request %d within burst denied", i)
		}
	}
}

func TestRateLimiter_DeniesOverLimit(t *testing.T) {
	limiter := NewRateLimiter(1, 2) // 1 rpm, burst 2

	limiter.Allow("alice", nil)
	limiter.Allow("alice", nil)

	ok, retryAfter := limiter.Allow("alice", nil)
	if ok {
		t.Error("third request allowed over limit")
	}
	if retryAfter != 60 {
		t.Errorf("retryAfter = %d, want 60 (ceil of 60/1)", retryAfter)
	}
}

func TestRateLimiter_BurstHeadroom(t *testing.T) {
	// Capacity is burst + rpm/60: 1 + 120/60 = 3
	limiter := NewRateLimiter(120, 1)

	for i := 0; i < 3; i++ {
		if ok, _ := limiter.Allow("alice", nil); !ok {
			t.Fatalf("request %d within capacity denied", i+1)
		}
	}

	ok, retryAfter := limiter.Allow("alice", nil)
	if ok {
		t.Error("request beyond capacity allowed")
	}
	if retryAfter != 1 {
		t.Errorf("retryAfter = %d, want 1 (ceil of 60/120, clamped)", retryAfter)
	}
}

func TestRateLimiter_PerClientIsolation(t *testing.T) {
	limiter := NewRateLimiter(1, 1)

	limiter.Allow("alice", nil)
	if ok, _ := limiter.Allow("alice", nil); ok {
		t.Error("alice's second request allowed")
	}
	if ok, _ := limiter.Allow("bob", nil); !ok {
		t.Error("bob's first request denied by alice's bucket")
	}
}

func TestRateLimiter_TokenOverride(t *testing.T) {
	limiter := NewRateLimiter(1, 1)

	// A generous override replaces the default bucket
	override := 6000
	for i := 0; i < 5; i++ {
		// Burst is still the configured one, so refill rate matters
		ok, _ := limiter.Allow("alice", &override)
		if i == 0 && !ok {
			t.Error("first overridden request denied")
		}
	}

	// Retry-after reflects the overridden rate
	tight := 30
	limiter.Allow("bob", &tight)
	var retryAfter int
	for i := 0; i < 5; i++ {
		var ok bool
		ok, retryAfter = limiter.Allow("bob", &tight)
		if !ok {
			break
		}
	}
	if retryAfter != 2 {
		t.Errorf("retryAfter = %d, want 2 (ceil of 60/30)", retryAfter)
	}
}

func TestRateLimiter_ZeroRPMDisables(t *testing.T) {
	limiter := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if ok, _ := limiter.Allow("alice", nil); !ok {
			t.Fatal("zero rpm must disable limiting")
		}
	}
}

func TestRateLimiter_PruneDropsStaleBuckets(t *testing.T) {
	limiter := NewRateLimiter(60, 10)

	limiter.Allow("alice", nil)
	limiter.Allow("bob", nil)

	if pruned := limiter.Prune(time.Hour); pruned != 0 {
		t.Errorf("Prune(1h) = %d, want 0", pruned)
	}
	if pruned := limiter.Prune(0); pruned != 2 {
		t.Errorf("Prune(0) = %d, want 2", pruned)
	}

	// Buckets recreate on next use
	if ok, _ := limiter.Allow("alice", nil); !ok {
		t.Error("pruned client denied")
	}
}
