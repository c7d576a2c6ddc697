package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryLimiter keeps one token bucket per identifier. Buckets idle for
// longer than the eviction window are dropped on the next sweep.
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*bucket
	r        rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
	lastGC   time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewMemoryLimiter allows r events per second with the given burst per
// identifier.
func NewMemoryLimiter(r rate.Limit, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		limiters: make(map[string]*bucket),
		r:        r,
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

// NewBalanceMemoryLimiter mirrors RuleBalance: one increment per second with
// a burst of two.
func NewBalanceMemoryLimiter() *MemoryLimiter {
	return NewMemoryLimiter(rate.Every(time.Second), 2)
}

// Allow never fails.
func (m *MemoryLimiter) Allow(_ context.Context, identifier string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.gc(now)

	b, ok := m.limiters[identifier]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(m.r, m.burst)}
		m.limiters[identifier] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1), nil
}

// Remaining returns the whole tokens left in identifier's bucket. Unknown
// identifiers have the full burst.
func (m *MemoryLimiter) Remaining(_ context.Context, identifier string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.limiters[identifier]
	if !ok {
		return m.burst, nil
	}
	n := int(b.lim.TokensAt(m.now()))
	if n < 0 {
		n = 0
	}
	return n, nil
}

// Len returns the number of tracked identifiers.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

func (m *MemoryLimiter) gc(now time.Time) {
	if now.Sub(m.lastGC) < m.idle {
		return
	}
	m.lastGC = now
	for id, b := range m.limiters {
		if now.Sub(b.seen) > m.idle {
			delete(m.limiters, id)
		}
	}
}
