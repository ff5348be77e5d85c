package security

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2, testLogger())
	defer rl.Stop()

	// Burst of 2 is available immediately; the third request is over budget.
	if !rl.Allow("203.0.113.1") || !rl.Allow("203.0.113.1") {
		t.Fatal("burst requests should be allowed")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("request beyond burst should be denied")
	}
}

func TestRateLimiter_IdentifiersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1, testLogger())
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Fatal("first identifier should be allowed")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("first identifier should now be exhausted")
	}
	// A different identifier has its own bucket.
	if !rl.Allow("203.0.113.2") {
		t.Error("second identifier should not share the first's budget")
	}
}

func TestRateLimiter_EvictsOldestAtCapacity(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 3, testLogger())
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}
	if got := rl.Len(); got != 3 {
		t.Fatalf("tracked = %d, want 3", got)
	}

	// id-0 is the least recently seen; a fourth identifier displaces it.
	rl.Allow("id-3")
	if got := rl.Len(); got != 3 {
		t.Errorf("tracked = %d, want 3 after eviction", got)
	}

	// id-0 gets a fresh bucket, so its exhausted budget is forgotten.
	if !rl.Allow("id-0") {
		t.Error("evicted identifier should start over with a full bucket")
	}
}

func TestRateLimiter_RecentUseProtectsFromEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(100, 100, 2, testLogger())
	defer rl.Stop()

	rl.Allow("old")
	rl.Allow("fresh")
	rl.Allow("old") // touch old so "fresh" is now the eviction candidate

	rl.Allow("newcomer")

	// "old" survived; its bucket still exists so Len stays at capacity.
	if got := rl.Len(); got != 2 {
		t.Errorf("tracked = %d, want 2", got)
	}
	if !rl.Allow("old") {
		t.Error("recently used identifier should still be tracked and allowed")
	}
}

func TestRateLimiter_PruneIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1, testLogger())
	defer rl.Stop()

	rl.Allow("stale")
	time.Sleep(20 * time.Millisecond)
	rl.Allow("active")

	rl.pruneIdle(10 * time.Millisecond)

	if got := rl.Len(); got != 1 {
		t.Errorf("tracked = %d, want 1 after pruning the stale identifier", got)
	}
}

func TestRateLimiter_UnlimitedTracking(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 0, testLogger())
	defer rl.Stop()

	for i := 0; i < 50; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}
	if got := rl.Len(); got != 50 {
		t.Errorf("tracked = %d, want 50 with no bound", got)
	}
}
