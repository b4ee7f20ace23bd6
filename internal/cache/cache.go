// Package cache implements the category-partitioned in-memory cache.
//
// Each category owns an independent shard with its own TTL, entry cap and
// byte budget:
//   - keys are FNV-1a hashed to short bucket names; the original key is kept
//     on the entry so a hash collision reads as a miss, never a wrong value
//   - eviction on insert runs expired entries first, then least-recently-used
//     by entry count, then least-recently-used by bytes
//   - reads refresh recency only on fresh hits; expired entries are removed
//     lazily and counted as misses
//
// Unknown category names fall back to the general shard.
package cache

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Category names. The set is closed at construction.
const (
	CategoryUserInfo        = "userInfo"
	CategoryChatInfo        = "chatInfo"
	CategoryDepartmentInfo  = "departmentInfo"
	CategoryAppInfo         = "appInfo"
	CategoryAppTokens       = "appTokens"
	CategoryTableSchema     = "tableSchema"
	CategoryUserPermissions = "userPermissions"
	CategoryGeneral         = "general"
)

// Config bounds one category shard.
type Config struct {
	TTL        time.Duration `json:"ttl"`
	MaxEntries int           `json:"max_entries"`
	MaxBytes   int64         `json:"max_bytes"`
}

// DefaultConfigs returns the stock category limits.
func DefaultConfigs() map[string]Config {
	const mib = 1 << 20
	return map[string]Config{
		CategoryUserInfo:        {TTL: 10 * time.Minute, MaxEntries: 500, MaxBytes: 5 * mib},
		CategoryChatInfo:        {TTL: 5 * time.Minute, MaxEntries: 1000, MaxBytes: 10 * mib},
		CategoryDepartmentInfo:  {TTL: 30 * time.Minute, MaxEntries: 200, MaxBytes: 2 * mib},
		CategoryAppInfo:         {TTL: time.Hour, MaxEntries: 100, MaxBytes: 1 * mib},
		CategoryAppTokens:       {TTL: 100 * time.Minute, MaxEntries: 50, MaxBytes: 512 << 10},
		CategoryTableSchema:     {TTL: 15 * time.Minute, MaxEntries: 300, MaxBytes: 8 * mib},
		CategoryUserPermissions: {TTL: 5 * time.Minute, MaxEntries: 1000, MaxBytes: 2 * mib},
		CategoryGeneral:         {TTL: 5 * time.Minute, MaxEntries: 1000, MaxBytes: 10 * mib},
	}
}

// CategoryMetrics is a point-in-time snapshot of one shard.
type CategoryMetrics struct {
	Category   string `json:"category"`
	Entries    int    `json:"entries"`
	Bytes      int64  `json:"bytes"`
	MaxEntries int    `json:"max_entries"`
	MaxBytes   int64  `json:"max_bytes"`
	Hits       int64  `json:"hits"`
	Misses     int64  `json:"misses"`
	Evictions  int64  `json:"evictions"`
}

type entry struct {
	key          string // original key, kept to detect hash collisions
	value        any
	size         int64
	expiresAt    time.Time
	lastAccessed time.Time
	hitCount     int64
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// shard is one category's storage. All fields are guarded by mu.
type shard struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	bytes   int64

	hits      int64
	misses    int64
	evictions int64
}

// Manager is the category-partitioned cache. Shards never change after
// construction, so the map itself needs no lock.
type Manager struct {
	shards map[string]*shard
}

// NewManager builds a manager from category configs. A general category is
// always present; one is added from DefaultConfigs when the caller omits it.
func NewManager(configs map[string]Config) *Manager {
	m := &Manager{shards: make(map[string]*shard, len(configs)+1)}
	for cat, cfg := range configs {
		m.shards[cat] = &shard{cfg: cfg, entries: make(map[string]*entry)}
	}
	if _, ok := m.shards[CategoryGeneral]; !ok {
		cfg := DefaultConfigs()[CategoryGeneral]
		m.shards[CategoryGeneral] = &shard{cfg: cfg, entries: make(map[string]*entry)}
	}
	return m
}

func (m *Manager) shard(category string) *shard {
	if s, ok := m.shards[category]; ok {
		return s
	}
	return m.shards[CategoryGeneral]
}

// bucketKey hashes a cache key to its shard bucket name.
func bucketKey(key string) string {
	h := fnv.New64a()
	h.Write([]byte(key))
	return strconv.FormatUint(h.Sum64(), 16)
}

// sizeOf estimates how many bytes a value charges against the shard budget.
func sizeOf(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(x))
	case string:
		return int64(len(x))
	default:
		if b, err := json.Marshal(v); err == nil {
			return int64(len(b))
		}
		return 64 // opaque value, nominal charge
	}
}

// Get returns the cached value for key, refreshing its recency. Expired
// entries and hash collisions read as misses; expired entries are removed.
func (m *Manager) Get(category, key string) (any, bool) {
	s := m.shard(category)
	bucket := bucketKey(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[bucket]
	if !ok || e.key != key {
		s.misses++
		return nil, false
	}
	if e.expired(now) {
		s.removeLocked(bucket)
		s.misses++
		return nil, false
	}
	e.lastAccessed = now
	e.hitCount++
	s.hits++
	return e.value, true
}

// Has reports whether a fresh entry exists for key. It does not refresh
// recency and does not count toward hit/miss metrics.
func (m *Manager) Has(category, key string) bool {
	s := m.shard(category)
	bucket := bucketKey(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[bucket]
	if !ok || e.key != key {
		return false
	}
	if e.expired(now) {
		s.removeLocked(bucket)
		return false
	}
	return true
}

// Set stores value under the category's default TTL. It reports whether the
// value was stored; a value larger than the category byte budget is not.
func (m *Manager) Set(category, key string, value any) bool {
	return m.SetWithTTL(category, key, value, m.shard(category).cfg.TTL)
}

// SetWithTTL stores value with an explicit TTL. A TTL of zero inserts an
// already-expired entry, which no Get will ever return.
func (m *Manager) SetWithTTL(category, key string, value any, ttl time.Duration) bool {
	s := m.shard(category)
	bucket := bucketKey(key)
	size := sizeOf(value)
	if size > s.cfg.MaxBytes {
		return false
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replace in place so the old size is released before eviction runs.
	if _, ok := s.entries[bucket]; ok {
		s.removeLocked(bucket)
	}

	s.evictExpiredLocked(now)
	for len(s.entries) >= s.cfg.MaxEntries {
		if !s.evictLRULocked() {
			break
		}
	}
	for s.bytes+size > s.cfg.MaxBytes {
		if !s.evictLRULocked() {
			break
		}
	}

	s.entries[bucket] = &entry{
		key:          key,
		value:        value,
		size:         size,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
	}
	s.bytes += size
	return true
}

// Delete removes the entry for key, reporting whether one existed.
func (m *Manager) Delete(category, key string) bool {
	s := m.shard(category)
	bucket := bucketKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[bucket]
	if !ok || e.key != key {
		return false
	}
	s.removeLocked(bucket)
	return true
}

// ClearCategory empties one shard and returns how many entries it removed.
func (m *Manager) ClearCategory(category string) int {
	s := m.shard(category)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	s.entries = make(map[string]*entry)
	s.bytes = 0
	return n
}

// Clear empties every shard and returns the total number of removed entries.
func (m *Manager) Clear() int {
	total := 0
	for cat := range m.shards {
		total += m.ClearCategory(cat)
	}
	return total
}

// Metrics snapshots every shard. Shards are locked one at a time, never
// together.
func (m *Manager) Metrics() map[string]CategoryMetrics {
	out := make(map[string]CategoryMetrics, len(m.shards))
	for cat, s := range m.shards {
		s.mu.Lock()
		out[cat] = CategoryMetrics{
			Category:   cat,
			Entries:    len(s.entries),
			Bytes:      s.bytes,
			MaxEntries: s.cfg.MaxEntries,
			MaxBytes:   s.cfg.MaxBytes,
			Hits:       s.hits,
			Misses:     s.misses,
			Evictions:  s.evictions,
		}
		s.mu.Unlock()
	}
	return out
}

// Categories lists the configured category names, sorted.
func (m *Manager) Categories() []string {
	names := make([]string, 0, len(m.shards))
	for cat := range m.shards {
		names = append(names, cat)
	}
	sort.Strings(names)
	return names
}

// removeLocked deletes one bucket and releases its bytes. Callers hold mu.
func (s *shard) removeLocked(bucket string) {
	if e, ok := s.entries[bucket]; ok {
		s.bytes -= e.size
		delete(s.entries, bucket)
	}
}

// evictExpiredLocked sweeps expired entries. Callers hold mu.
func (s *shard) evictExpiredLocked(now time.Time) {
	for bucket, e := range s.entries {
		if e.expired(now) {
			s.removeLocked(bucket)
			s.evictions++
		}
	}
}

// evictLRULocked removes the least recently used entry. Callers hold mu.
func (s *shard) evictLRULocked() bool {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for bucket, e := range s.entries {
		if !found || e.lastAccessed.Before(oldest) {
			victim, oldest, found = bucket, e.lastAccessed, true
		}
	}
	if !found {
		return false
	}
	s.removeLocked(victim)
	s.evictions++
	return true
}
