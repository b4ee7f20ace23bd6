// Package ratelimit implements the tiered token-bucket limiter that bounds
// outbound platform traffic.
//
// Each tier (read, write, admin, default) owns an independent bucket:
//   - lazy refill: tokens accrue in whole refill intervals, never beyond capacity
//   - bounded wait: a caller short on tokens suspends up to the tier's max wait
//   - FIFO fairness: waiters reserve tokens up front, so a later caller can
//     never be served before an earlier one
//   - live reconfiguration: capacity and refill rate can be patched at runtime
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Default tier names. The limiter is generic over tier names; these four are
// what the HTTP classifier produces.
const (
	TierRead    = "read"
	TierWrite   = "write"
	TierAdmin   = "admin"
	TierDefault = "default"
)

// BucketConfig describes one tier's bucket.
type BucketConfig struct {
	Capacity       int           `json:"capacity"`
	RefillTokens   int           `json:"refill_tokens"`
	RefillInterval time.Duration `json:"refill_interval"`
	MaxWait        time.Duration `json:"max_wait"`
}

// ConfigPatch is a partial bucket reconfiguration. Nil fields keep their
// current values.
type ConfigPatch struct {
	Capacity       *int
	RefillTokens   *int
	RefillInterval *time.Duration
	MaxWait        *time.Duration
}

// DefaultConfigs returns the stock four-tier configuration.
func DefaultConfigs() map[string]BucketConfig {
	return map[string]BucketConfig{
		TierRead:    {Capacity: 100, RefillTokens: 50, RefillInterval: time.Second, MaxWait: 5 * time.Second},
		TierWrite:   {Capacity: 50, RefillTokens: 25, RefillInterval: time.Second, MaxWait: 10 * time.Second},
		TierAdmin:   {Capacity: 20, RefillTokens: 10, RefillInterval: time.Second, MaxWait: 15 * time.Second},
		TierDefault: {Capacity: 60, RefillTokens: 30, RefillInterval: time.Second, MaxWait: 5 * time.Second},
	}
}

// LimitError reports a rejected consume, tagged with the tier that refused.
type LimitError struct {
	Tier string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tier %q", e.Tier)
}

// TierMetrics is a point-in-time counter snapshot for one tier.
type TierMetrics struct {
	Tier          string    `json:"tier"`
	Available     int       `json:"available"`
	Capacity      int       `json:"capacity"`
	TotalRequests int64     `json:"total_requests"`
	Accepted      int64     `json:"accepted"`
	RateLimited   int64     `json:"rate_limited"`
	AvgWaitMs     float64   `json:"avg_wait_ms"`
	LastRefill    time.Time `json:"last_refill"`
}

// bucket is the mutable state of one tier. All fields are guarded by mu.
// available goes negative while waiters hold reservations; refills pay the
// debt in arrival order, which is what makes the wait queue FIFO.
type bucket struct {
	mu  sync.Mutex
	cfg BucketConfig

	available  int
	lastRefill time.Time

	total     int64
	accepted  int64
	limited   int64
	totalWait time.Duration
}

// refill credits whole elapsed intervals. Callers must hold mu.
func (b *bucket) refill(now time.Time) {
	if b.cfg.RefillInterval <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	steps := elapsed / b.cfg.RefillInterval
	if steps <= 0 {
		return
	}
	b.available += int(steps) * b.cfg.RefillTokens
	if b.available > b.cfg.Capacity {
		b.available = b.cfg.Capacity
	}
	b.lastRefill = b.lastRefill.Add(steps * b.cfg.RefillInterval)
}

// Limiter is the tier map. Buckets are created once at construction; a
// consume against an unknown tier falls back to the default bucket.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewLimiter builds a limiter from tier configs. A "default" tier is always
// present — one is added from DefaultConfigs when the caller omits it.
func NewLimiter(configs map[string]BucketConfig) *Limiter {
	l := &Limiter{buckets: make(map[string]*bucket, len(configs)+1)}
	now := time.Now()
	for tier, cfg := range configs {
		l.buckets[tier] = &bucket{cfg: cfg, available: cfg.Capacity, lastRefill: now}
	}
	if _, ok := l.buckets[TierDefault]; !ok {
		cfg := DefaultConfigs()[TierDefault]
		l.buckets[TierDefault] = &bucket{cfg: cfg, available: cfg.Capacity, lastRefill: now}
	}
	return l
}

func (l *Limiter) bucket(tier string) *bucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.buckets[tier]; ok {
		return b
	}
	return l.buckets[TierDefault]
}

// Consume takes n tokens from the tier's bucket, suspending up to the
// tier's max wait when the bucket is short. It returns false when the
// demand exceeds capacity, the wait would exceed the bound, or ctx is
// cancelled while waiting. n = 0 is a no-op that returns true.
func (l *Limiter) Consume(ctx context.Context, tier string, n int) bool {
	if n == 0 {
		return true
	}
	if n < 0 {
		return false
	}
	b := l.bucket(tier)

	b.mu.Lock()
	now := time.Now()
	b.refill(now)
	b.total++

	if n > b.cfg.Capacity {
		b.limited++
		b.mu.Unlock()
		return false
	}
	if b.available >= n {
		b.available -= n
		b.accepted++
		b.mu.Unlock()
		return true
	}

	needed := n - b.available
	steps := (needed + b.cfg.RefillTokens - 1) / b.cfg.RefillTokens
	wait := time.Duration(steps) * b.cfg.RefillInterval
	if wait > b.cfg.MaxWait {
		b.limited++
		b.mu.Unlock()
		return false
	}

	// Reserve now so later callers queue behind this one.
	b.available -= n
	b.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		b.mu.Lock()
		b.accepted++
		b.totalWait += wait
		b.mu.Unlock()
		return true
	case <-ctx.Done():
		// Hand the reservation back; the caller got nothing.
		b.mu.Lock()
		b.available += n
		b.limited++
		b.mu.Unlock()
		return false
	}
}

// Metrics returns the snapshot for one tier.
func (l *Limiter) Metrics(tier string) (TierMetrics, bool) {
	l.mu.RLock()
	b, ok := l.buckets[tier]
	l.mu.RUnlock()
	if !ok {
		return TierMetrics{}, false
	}
	return b.snapshot(tier), true
}

// MetricsAll returns snapshots for every tier, sorted by name.
func (l *Limiter) MetricsAll() []TierMetrics {
	l.mu.RLock()
	names := make([]string, 0, len(l.buckets))
	for tier := range l.buckets {
		names = append(names, tier)
	}
	l.mu.RUnlock()
	sort.Strings(names)

	out := make([]TierMetrics, 0, len(names))
	for _, tier := range names {
		if m, ok := l.Metrics(tier); ok {
			out = append(out, m)
		}
	}
	return out
}

func (b *bucket) snapshot(tier string) TierMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now())
	m := TierMetrics{
		Tier:          tier,
		Available:     b.available,
		Capacity:      b.cfg.Capacity,
		TotalRequests: b.total,
		Accepted:      b.accepted,
		RateLimited:   b.limited,
		LastRefill:    b.lastRefill,
	}
	if b.accepted > 0 {
		m.AvgWaitMs = float64(b.totalWait.Milliseconds()) / float64(b.accepted)
	}
	return m
}

// Reset refills one tier to capacity and zeroes its counters. An empty tier
// name resets every bucket.
func (l *Limiter) Reset(tier string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if tier != "" {
		if b, ok := l.buckets[tier]; ok {
			b.reset()
		}
		return
	}
	for _, b := range l.buckets {
		b.reset()
	}
}

func (b *bucket) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = b.cfg.Capacity
	b.lastRefill = time.Now()
	b.total, b.accepted, b.limited = 0, 0, 0
	b.totalWait = 0
}

// UpdateConfig applies a partial reconfiguration to one tier. The patch is
// applied to a copy and swapped in under the bucket lock; available tokens
// are clamped to the new capacity immediately.
func (l *Limiter) UpdateConfig(tier string, patch ConfigPatch) error {
	l.mu.RLock()
	b, ok := l.buckets[tier]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tier %q", tier)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	cfg := b.cfg
	if patch.Capacity != nil {
		cfg.Capacity = *patch.Capacity
	}
	if patch.RefillTokens != nil {
		cfg.RefillTokens = *patch.RefillTokens
	}
	if patch.RefillInterval != nil {
		cfg.RefillInterval = *patch.RefillInterval
	}
	if patch.MaxWait != nil {
		cfg.MaxWait = *patch.MaxWait
	}
	if cfg.Capacity <= 0 || cfg.RefillTokens <= 0 || cfg.RefillInterval <= 0 {
		return fmt.Errorf("invalid config for tier %q", tier)
	}
	b.cfg = cfg
	if b.available > cfg.Capacity {
		b.available = cfg.Capacity
	}
	return nil
}

// Tiers lists the configured tier names, sorted.
func (l *Limiter) Tiers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.buckets))
	for tier := range l.buckets {
		names = append(names, tier)
	}
	sort.Strings(names)
	return names
}
