package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/toolplane/toolplane/internal/ratelimit"
)

// newTestLimiter builds a limiter with a single small bucket so tests can
// drain and refill it quickly.
func newTestLimiter(t *testing.T, cfg ratelimit.BucketConfig) *ratelimit.Limiter {
	t.Helper()
	return ratelimit.NewLimiter(map[string]ratelimit.BucketConfig{
		"test": cfg,
	})
}

// ─── Consume ─────────────────────────────────────────────────

func TestConsumeWithinCapacity(t *testing.T) {
	l := newTestLimiter(t, ratelimit.BucketConfig{
		Capacity: 10, RefillTokens: 5, RefillInterval: time.Second, MaxWait: 0,
	})

	if !l.Consume(context.Background(), "test", 10) {
		t.Fatal("Consume(10) = false, want true")
	}
	if l.Consume(context.Background(), "test", 1) {
		t.Error("Consume(1) on empty bucket with zero max wait = true, want false")
	}
}

func TestConsumeZeroIsNoop(t *testing.T) {
	l := newTestLimiter(t, ratelimit.BucketConfig{
		Capacity: 5, RefillTokens: 5, RefillInterval: time.Second, MaxWait: 0,
	})

	if !l.Consume(context.Background(), "test", 0) {
		t.Fatal("Consume(0) = false, want true")
	}

	m, ok := l.Metrics("test")
	if !ok {
		t.Fatal("Metrics(test) not found")
	}
	if m.TotalRequests != 0 {
		t.Errorf("TotalRequests after Consume(0) = %d, want 0", m.TotalRequests)
	}
	if m.Available != 5 {
		t.Errorf("Available after Consume(0) = %d, want 5", m.Available)
	}
}

func TestConsumeExceedingCapacityRejected(t *testing.T) {
	l := newTestLimiter(t, ratelimit.BucketConfig{
		Capacity: 10, RefillTokens: 10, RefillInterval: 10 * time.Millisecond, MaxWait: time.Minute,
	})

	start := time.Now()
	if l.Consume(context.Background(), "test", 11) {
		t.Fatal("Consume(11) with capacity 10 = true, want false")
	}
	// Rejection is immediate: no amount of refilling can ever satisfy it.
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("over-capacity rejection took %v, want immediate", elapsed)
	}

	m, _ := l.Metrics("test")
	if m.RateLimited != 1 {
		t.Errorf("RateLimited = %d, want 1", m.RateLimited)
	}
}

// ─── Refill ──────────────────────────────────────────────────

func TestRefillRestoresTokens(t *testing.T) {
	l := newTestLimiter(t, ratelimit.BucketConfig{
		Capacity: 4, RefillTokens: 2, RefillInterval: 50 * time.Millisecond, MaxWait: 0,
	})

	if !l.Consume(context.Background(), "test", 4) {
		t.Fatal("Consume(4) = false, want true")
	}

	time.Sleep(130 * time.Millisecond) // two full intervals

	if !l.Consume(context.Background(), "test", 4) {
		t.Error("Consume(4) after refill = false, want true")
	}
}

func TestRefillNeverExceedsCapacity(t *testing.T) {
	l := newTestLimiter(t, ratelimit.BucketConfig{
		Capacity: 3, RefillTokens: 10, RefillInterval: 10 * time.Millisecond, MaxWait: 0,
	})

	time.Sleep(100 * time.Millisecond)

	m, _ := l.Metrics("test")
	if m.Available > 3 {
		t.Errorf("Available = %d, want at most capacity 3", m.Available)
	}
}

// ─── Bounded wait ────────────────────────────────────────────

func TestConsumeWaitsForRefill(t *testing.T) {
	l := newTestLimiter(t, ratelimit.BucketConfig{
		Capacity: 2, RefillTokens: 2, RefillInterval: 100 * time.Millisecond, MaxWait: 500 * time.Millisecond,
	})

	if !l.Consume(context.Background(), "test", 2) {
		t.Fatal("initial Consume(2) = false, want true")
	}

	start := time.Now()
	if !l.Consume(context.Background(), "test", 2) {
		t.Fatal("Consume(2) within max wait = false, want true")
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Consume returned after %v, want at least one refill interval", elapsed)
	}
}

func TestConsumeRejectedWhenWaitExceedsMax(t *testing.T) {
	l := newTestLimiter(t, ratelimit.BucketConfig{
		Capacity: 10, RefillTokens: 1, RefillInterval: 100 * time.Millisecond, MaxWait: 250 * time.Millisecond,
	})

	if !l.Consume(context.Background(), "test", 10) {
		t.Fatal("initial Consume(10) = false, want true")
	}

	start := time.Now()
	if l.Consume(context.Background(), "test", 5) {
		t.Fatal("Consume(5) needing 500ms wait with 250ms max = true, want false")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("rejection took %v, want immediate", elapsed)
	}
}

func TestWaitersServedInArrivalOrder(t *testing.T) {
	l := newTestLimiter(t, ratelimit.BucketConfig{
		Capacity: 1, RefillTokens: 1, RefillInterval: 50 * time.Millisecond, MaxWait: time.Second,
	})

	if !l.Consume(context.Background(), "test", 1) {
		t.Fatal("initial Consume(1) = false, want true")
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	consume := func(name string) {
		defer wg.Done()
		if !l.Consume(context.Background(), "test", 1) {
			t.Errorf("waiter %s rejected, want served", name)
			return
		}
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	wg.Add(2)
	go consume("first")
	time.Sleep(15 * time.Millisecond) // let the first waiter reserve
	go consume("second")
	wg.Wait()

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("service order = %v, want [first second]", order)
	}
}

func TestConsumeCancelledReturnsReservation(t *testing.T) {
	l := newTestLimiter(t, ratelimit.BucketConfig{
		Capacity: 1, RefillTokens: 1, RefillInterval: time.Second, MaxWait: 5 * time.Second,
	})

	if !l.Consume(context.Background(), "test", 1) {
		t.Fatal("initial Consume(1) = false, want true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if l.Consume(ctx, "test", 1) {
		t.Fatal("Consume with cancelled context = true, want false")
	}

	// The reservation must be handed back, not leaked.
	m, _ := l.Metrics("test")
	if m.Available != 0 {
		t.Errorf("Available after cancelled wait = %d, want 0", m.Available)
	}
	if m.RateLimited != 1 {
		t.Errorf("RateLimited = %d, want 1", m.RateLimited)
	}
}

// ─── Metrics ─────────────────────────────────────────────────

func TestMetricsCountersAddUp(t *testing.T) {
	l := newTestLimiter(t, ratelimit.BucketConfig{
		Capacity: 3, RefillTokens: 1, RefillInterval: time.Minute, MaxWait: 0,
	})
	ctx := context.Background()

	l.Consume(ctx, "test", 2) // accepted
	l.Consume(ctx, "test", 1) // accepted
	l.Consume(ctx, "test", 1) // limited: empty, zero max wait
	l.Consume(ctx, "test", 9) // limited: over capacity

	m, _ := l.Metrics("test")
	if m.TotalRequests != 4 {
		t.Errorf("TotalRequests = %d, want 4", m.TotalRequests)
	}
	if m.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", m.Accepted)
	}
	if m.RateLimited != 2 {
		t.Errorf("RateLimited = %d, want 2", m.RateLimited)
	}
	if m.TotalRequests != m.Accepted+m.RateLimited {
		t.Errorf("TotalRequests = %d, want Accepted+RateLimited = %d", m.TotalRequests, m.Accepted+m.RateLimited)
	}
}

func TestMetricsAllSorted(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.DefaultConfigs())

	all := l.MetricsAll()
	if len(all) != 4 {
		t.Fatalf("MetricsAll() len = %d, want 4", len(all))
	}
	want := []string{"admin", "default", "read", "write"}
	for i, m := range all {
		if m.Tier != want[i] {
			t.Errorf("MetricsAll()[%d].Tier = %q, want %q", i, m.Tier, want[i])
		}
	}
}

func TestUnknownTierUsesDefaultBucket(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.DefaultConfigs())

	if !l.Consume(context.Background(), "no-such-tier", 1) {
		t.Fatal("Consume on unknown tier = false, want true via default bucket")
	}

	m, _ := l.Metrics(ratelimit.TierDefault)
	if m.TotalRequests != 1 {
		t.Errorf("default TotalRequests = %d, want 1", m.TotalRequests)
	}
}

// ─── Reset and reconfiguration ───────────────────────────────

func TestResetRestoresBucket(t *testing.T) {
	l := newTestLimiter(t, ratelimit.BucketConfig{
		Capacity: 5, RefillTokens: 1, RefillInterval: time.Minute, MaxWait: 0,
	})
	ctx := context.Background()

	l.Consume(ctx, "test", 5)
	l.Consume(ctx, "test", 1)

	l.Reset("test")

	m, _ := l.Metrics("test")
	if m.Available != 5 {
		t.Errorf("Available after Reset = %d, want 5", m.Available)
	}
	if m.TotalRequests != 0 || m.Accepted != 0 || m.RateLimited != 0 {
		t.Errorf("counters after Reset = %d/%d/%d, want all zero", m.TotalRequests, m.Accepted, m.RateLimited)
	}
}

func TestResetAllTiers(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.DefaultConfigs())
	ctx := context.Background()

	l.Consume(ctx, ratelimit.TierRead, 3)
	l.Consume(ctx, ratelimit.TierWrite, 3)

	l.Reset("")

	for _, tier := range []string{ratelimit.TierRead, ratelimit.TierWrite} {
		m, _ := l.Metrics(tier)
		if m.TotalRequests != 0 {
			t.Errorf("%s TotalRequests after Reset(\"\") = %d, want 0", tier, m.TotalRequests)
		}
	}
}

func TestUpdateConfigClampsAvailable(t *testing.T) {
	l := newTestLimiter(t, ratelimit.BucketConfig{
		Capacity: 100, RefillTokens: 50, RefillInterval: time.Second, MaxWait: time.Second,
	})

	capacity := 10
	if err := l.UpdateConfig("test", ratelimit.ConfigPatch{Capacity: &capacity}); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}

	m, _ := l.Metrics("test")
	if m.Capacity != 10 {
		t.Errorf("Capacity = %d, want 10", m.Capacity)
	}
	if m.Available > 10 {
		t.Errorf("Available = %d, want clamped to 10", m.Available)
	}
}

func TestUpdateConfigUnknownTier(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.DefaultConfigs())

	capacity := 1
	if err := l.UpdateConfig("nope", ratelimit.ConfigPatch{Capacity: &capacity}); err == nil {
		t.Error("UpdateConfig(unknown tier) error = nil, want error")
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.DefaultConfigs())

	zero := 0
	if err := l.UpdateConfig(ratelimit.TierRead, ratelimit.ConfigPatch{Capacity: &zero}); err == nil {
		t.Error("UpdateConfig(capacity=0) error = nil, want error")
	}

	// The failed patch must not have touched the live config.
	m, _ := l.Metrics(ratelimit.TierRead)
	if m.Capacity != 100 {
		t.Errorf("Capacity after rejected patch = %d, want 100", m.Capacity)
	}
}

func TestTiersSorted(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.DefaultConfigs())

	got := l.Tiers()
	want := []string{"admin", "default", "read", "write"}
	if len(got) != len(want) {
		t.Fatalf("Tiers() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tiers()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
