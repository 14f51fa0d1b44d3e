// Package ratelimit provides keyed token-bucket limiting. Each key (a backend
// name) may carry its own per-minute quota.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

type Limiter interface {
	Allow(key string) (bool, error)
	Reset(key string)
}

// TokenBucketLimiter refills continuously at the key's rate and allows a
// burst of up to one minute's quota. A key with a zero quota is unlimited.
type TokenBucketLimiter struct {
	defaultPerMinute int
	mu               sync.Mutex
	limits           map[string]int
	tokens           map[string]*bucket
	now              func() time.Time
}

var _ Limiter = (*TokenBucketLimiter)(nil)

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// New creates a limiter applying defaultPerMinute to keys without an
// explicit quota.
func New(defaultPerMinute int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		defaultPerMinute: max(defaultPerMinute, 0),
		limits:           make(map[string]int),
		tokens:           make(map[string]*bucket),
		now:              time.Now,
	}
}

// WithClock replaces the time source. It is meant for tests.
func (l *TokenBucketLimiter) WithClock(now func() time.Time) *TokenBucketLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

// SetLimit sets the quota for key and drops its current bucket.
func (l *TokenBucketLimiter) SetLimit(key string, perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[key] = max(perMinute, 0)
	delete(l.tokens, key)
}

func (l *TokenBucketLimiter) Limit(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitLocked(key)
}

func (l *TokenBucketLimiter) limitLocked(key string) int {
	if v, ok := l.limits[key]; ok {
		return v
	}
	return l.defaultPerMinute
}

func (l *TokenBucketLimiter) Allow(key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("key cannot be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	perMinute := l.limitLocked(key)
	if perMinute == 0 {
		return true, nil
	}
	capacity := float64(perMinute)
	rate := capacity / 60

	now := l.now()
	b, exists := l.tokens[key]
	if !exists {
		l.tokens[key] = &bucket{
			tokens:     capacity - 1,
			lastUpdate: now,
		}
		return true, nil
	}

	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens = min(b.tokens+elapsed*rate, capacity)
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}

	return false, nil
}

// Remaining reports the whole tokens currently available for key, or -1
// when the key is unlimited.
func (l *TokenBucketLimiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	perMinute := l.limitLocked(key)
	if perMinute == 0 {
		return -1
	}
	b, ok := l.tokens[key]
	if !ok {
		return perMinute
	}
	elapsed := l.now().Sub(b.lastUpdate).Seconds()
	return int(min(b.tokens+elapsed*float64(perMinute)/60, float64(perMinute)))
}

func (l *TokenBucketLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.tokens, key)
}
