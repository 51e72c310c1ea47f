// Package ratelimit throttles callers per key, in process with token buckets
// or across replicas with a Redis fixed window.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

// InMemoryLimiter keeps one token bucket per key. Buckets idle for longer
// than IdleTTL are swept on access.
type InMemoryLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
	items   map[string]*bucket
	swept   time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewInMemory(rps float64, burst int) *InMemoryLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	return &InMemoryLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		items:   make(map[string]*bucket),
	}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string) Decision {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	b, ok := l.items[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.items[key] = b
	}
	b.lastSeen = now

	d := Decision{Limit: l.burst}
	res := b.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		d.RetryAfter = delay
		d.ResetAt = now.Add(delay)
		return d
	}
	d.Allowed = true
	d.Remaining = int(b.limiter.TokensAt(now))
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	missing := float64(l.burst - d.Remaining)
	d.ResetAt = now.Add(time.Duration(missing / float64(l.limit) * float64(time.Second)))
	return d
}

// Len reports the number of tracked keys.
func (l *InMemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *InMemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.swept) < l.idleTTL/2 {
		return
	}
	l.swept = now
	for k, b := range l.items {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.items, k)
		}
	}
}
