// Package ratelimit throttles credential endpoints per client key.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Memory is a per-key token bucket held in process memory.
type Memory struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	maxKeys int
	now     func() time.Time
	buckets map[string]*bucket
}

// MemoryOption configures a Memory limiter.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithMaxKeys bounds the number of tracked clients. Past the bound idle keys
// are collected first, then the least recently seen key is evicted.
func WithMaxKeys(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxKeys = n
		}
	}
}

// NewMemory returns a limiter refilling perSecond tokens up to burst.
func NewMemory(perSecond float64, burst int, opts ...MemoryOption) *Memory {
	m := &Memory{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    5 * time.Minute,
		maxKeys: 10000,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	if m.burst <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		if len(m.buckets) >= m.maxKeys {
			m.gc(now)
		}
		if len(m.buckets) >= m.maxKeys {
			m.evictOldest()
		}
		b = &bucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.seen = now
	if b.lim.AllowN(now, 1) {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: m.retryAfter()}, nil
}

func (m *Memory) retryAfter() time.Duration {
	if m.limit <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / float64(m.limit))
}

func (m *Memory) gc(now time.Time) {
	for k, b := range m.buckets {
		if now.Sub(b.seen) > m.idle {
			delete(m.buckets, k)
		}
	}
}

// evictOldest drops the least recently seen key. A full table never turns
// throttling off; an evicted client restarts with a fresh bucket.
func (m *Memory) evictOldest() {
	var (
		oldest string
		seen   time.Time
		found  bool
	)
	for k, b := range m.buckets {
		if !found || b.seen.Before(seen) {
			oldest, seen, found = k, b.seen, true
		}
	}
	if found {
		delete(m.buckets, oldest)
	}
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
