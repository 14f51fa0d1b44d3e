// Package cache implements IntelligentCache, a keyed in-memory store with a
// per-entry TTL strategy and priority-ordered eviction under a memory budget.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	accessPatternDepth = 100
	defaultMaxMemoryMB = 512
)

var ErrEntryTooLarge = errors.New("cache entry exceeds memory budget")

// Entry is a snapshot of a cached value and its bookkeeping.
type Entry[V any] struct {
	Value        V
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	Strategy     Strategy
	Priority     Priority
	SizeBytes    int64
	Source       string
}

// Stats are rolling counters over every Get and Set.
type Stats struct {
	TotalRequests         int64   `json:"total_requests"`
	Hits                  int64   `json:"hits"`
	Misses                int64   `json:"misses"`
	HitRate               float64 `json:"hit_rate"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	Entries               int     `json:"entries"`
	MemoryUsageBytes      int64   `json:"memory_usage_bytes"`
	MaxMemoryBytes        int64   `json:"max_memory_bytes"`
	Evictions             int64   `json:"evictions"`
	Invalidations         int64   `json:"invalidations"`
	Errors                int64   `json:"errors"`
}

type options struct {
	maxMemoryBytes  int64
	defaultStrategy Strategy
	defaultPriority Priority
	now             func() time.Time
	sizer           func(any) (int64, error)
}

type Option func(*options)

// WithMaxMemoryMB sets the memory budget eviction keeps the cache under.
func WithMaxMemoryMB(mb int) Option {
	return func(o *options) {
		o.maxMemoryBytes = int64(mb) * 1024 * 1024
	}
}

func WithMaxMemoryBytes(n int64) Option {
	return func(o *options) {
		o.maxMemoryBytes = n
	}
}

func WithDefaultStrategy(s Strategy) Option {
	return func(o *options) {
		o.defaultStrategy = s
	}
}

func WithDefaultPriority(p Priority) Option {
	return func(o *options) {
		o.defaultPriority = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithSizer overrides the JSON-length size estimate.
func WithSizer(fn func(any) (int64, error)) Option {
	return func(o *options) {
		o.sizer = fn
	}
}

func jsonSize(v any) (int64, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}

// IntelligentCache is safe for concurrent use.
type IntelligentCache[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*Entry[V]
	patterns map[K][]time.Time
	usage    int64
	stats    Stats
	opts     options
}

func New[K comparable, V any](opts ...Option) *IntelligentCache[K, V] {
	o := options{
		maxMemoryBytes:  defaultMaxMemoryMB * 1024 * 1024,
		defaultStrategy: Moderate(30),
		defaultPriority: PriorityMedium,
		now:             time.Now,
		sizer:           jsonSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &IntelligentCache[K, V]{
		items:    make(map[K]*Entry[V]),
		patterns: make(map[K][]time.Time),
		opts:     o,
	}
}

// Get returns the value for key if a valid entry exists. Invalid entries are
// removed and reported as a miss.
func (c *IntelligentCache[K, V]) Get(key K) (V, bool) {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.recordResponse(start)

	var zero V
	now := c.opts.now()
	e, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if !e.Strategy.Valid(now.Sub(e.CreatedAt), e.AccessCount) {
		c.dropLocked(key, e)
		c.stats.Invalidations++
		c.stats.Misses++
		return zero, false
	}

	e.AccessCount++
	e.LastAccessed = now
	c.recordAccess(key, now)
	c.stats.Hits++
	return e.Value, true
}

// Set stores value using the cache's default strategy and priority.
func (c *IntelligentCache[K, V]) Set(key K, value V) error {
	return c.SetWith(key, value, c.opts.defaultStrategy, c.opts.defaultPriority, "")
}

// SetWith stores value under an explicit strategy and priority. A NoCache
// strategy removes any existing entry and stores nothing.
func (c *IntelligentCache[K, V]) SetWith(key K, value V, strategy Strategy, priority Priority, source string) error {
	start := time.Now()
	size, err := c.opts.sizer(value)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.recordResponse(start)

	if err != nil {
		c.stats.Errors++
		return fmt.Errorf("estimate entry size: %w", err)
	}
	if c.opts.maxMemoryBytes > 0 && size > c.opts.maxMemoryBytes {
		c.stats.Errors++
		return ErrEntryTooLarge
	}

	if old, ok := c.items[key]; ok {
		c.removeLocked(key, old)
	}
	if strategy.Kind == KindNoCache {
		return nil
	}

	now := c.opts.now()
	c.items[key] = &Entry[V]{
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		Strategy:     strategy,
		Priority:     priority,
		SizeBytes:    size,
		Source:       source,
	}
	c.usage += size
	c.evictLocked(key, now)
	return nil
}

// Peek returns a copy of the entry without touching statistics.
func (c *IntelligentCache[K, V]) Peek(key K) (Entry[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok {
		return Entry[V]{}, false
	}
	return *e, true
}

// Delete invalidates key. It reports whether an entry was removed.
func (c *IntelligentCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return false
	}
	c.dropLocked(key, e)
	c.stats.Invalidations++
	return true
}

// InvalidateFunc removes every entry whose key matches and returns the count.
func (c *IntelligentCache[K, V]) InvalidateFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.items {
		if match(k) {
			c.dropLocked(k, e)
			n++
		}
	}
	c.stats.Invalidations += int64(n)
	return n
}

func (c *IntelligentCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*Entry[V])
	c.patterns = make(map[K][]time.Time)
	c.usage = 0
}

func (c *IntelligentCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// CleanupExpired removes every invalid entry and returns how many went.
func (c *IntelligentCache[K, V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.now()
	n := 0
	for k, e := range c.items {
		if !e.Strategy.Valid(now.Sub(e.CreatedAt), e.AccessCount) {
			c.dropLocked(k, e)
			n++
		}
	}
	c.stats.Invalidations += int64(n)
	return n
}

func (c *IntelligentCache[K, V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Entries = len(c.items)
	s.MemoryUsageBytes = c.usage
	s.MaxMemoryBytes = c.opts.maxMemoryBytes
	if lookups := s.Hits + s.Misses; lookups > 0 {
		s.HitRate = float64(s.Hits) / float64(lookups)
	}
	return s
}

// PopularKeys returns up to n keys ordered by how often they were read
// recently, most popular first. Callers use it to decide what to preload.
func (c *IntelligentCache[K, V]) PopularKeys(n int) []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	type ranked struct {
		key  K
		hits int
		last time.Time
	}
	all := make([]ranked, 0, len(c.patterns))
	for k, ts := range c.patterns {
		if len(ts) == 0 {
			continue
		}
		all = append(all, ranked{key: k, hits: len(ts), last: ts[len(ts)-1]})
	}
	slices.SortFunc(all, func(a, b ranked) int {
		if a.hits != b.hits {
			return b.hits - a.hits
		}
		return b.last.Compare(a.last)
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	keys := make([]K, len(all))
	for i, r := range all {
		keys[i] = r.key
	}
	return keys
}

// Report renders the statistics as a short human-readable summary.
func (c *IntelligentCache[K, V]) Report() string {
	s := c.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "entries: %d\n", s.Entries)
	fmt.Fprintf(&b, "requests: %d (hits %d, misses %d, hit rate %.1f%%)\n",
		s.TotalRequests, s.Hits, s.Misses, s.HitRate*100)
	fmt.Fprintf(&b, "avg response: %.3fms\n", s.AverageResponseTimeMs)
	fmt.Fprintf(&b, "memory: %.2f/%.2f MB\n",
		float64(s.MemoryUsageBytes)/(1024*1024), float64(s.MaxMemoryBytes)/(1024*1024))
	fmt.Fprintf(&b, "evictions: %d, invalidations: %d, errors: %d\n",
		s.Evictions, s.Invalidations, s.Errors)
	return b.String()
}

func (c *IntelligentCache[K, V]) removeLocked(key K, e *Entry[V]) {
	delete(c.items, key)
	c.usage -= e.SizeBytes
}

// dropLocked removes the entry together with its access history.
func (c *IntelligentCache[K, V]) dropLocked(key K, e *Entry[V]) {
	c.removeLocked(key, e)
	delete(c.patterns, key)
}

func (c *IntelligentCache[K, V]) recordAccess(key K, now time.Time) {
	ts := append(c.patterns[key], now)
	if len(ts) > accessPatternDepth {
		ts = ts[len(ts)-accessPatternDepth:]
	}
	c.patterns[key] = ts
}

func (c *IntelligentCache[K, V]) recordResponse(start time.Time) {
	c.stats.TotalRequests++
	ms := float64(time.Since(start).Microseconds()) / 1000
	c.stats.AverageResponseTimeMs += (ms - c.stats.AverageResponseTimeMs) / float64(c.stats.TotalRequests)
}

// evictLocked brings usage under budget. Expired entries go first, then
// lowest priority, ties broken by least recently accessed. keep is never
// evicted.
func (c *IntelligentCache[K, V]) evictLocked(keep K, now time.Time) {
	if c.opts.maxMemoryBytes <= 0 || c.usage <= c.opts.maxMemoryBytes {
		return
	}

	type candidate struct {
		key     K
		entry   *Entry[V]
		expired bool
	}
	cands := make([]candidate, 0, len(c.items))
	for k, e := range c.items {
		if k == keep {
			continue
		}
		cands = append(cands, candidate{
			key:     k,
			entry:   e,
			expired: !e.Strategy.Valid(now.Sub(e.CreatedAt), e.AccessCount),
		})
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if a.expired != b.expired {
			if a.expired {
				return -1
			}
			return 1
		}
		if a.entry.Priority != b.entry.Priority {
			return int(a.entry.Priority) - int(b.entry.Priority)
		}
		return a.entry.LastAccessed.Compare(b.entry.LastAccessed)
	})

	for _, cand := range cands {
		if c.usage <= c.opts.maxMemoryBytes {
			return
		}
		c.dropLocked(cand.key, cand.entry)
		c.stats.Evictions++
	}
}
