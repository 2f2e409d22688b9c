// Package ratelimit throttles load requests per tenant.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter consumes one token for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Local keeps one in-process bucket per key. Used when no Redis is configured.
type Local struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	capacity int
	refill   float64
	now      func() time.Time
}

func NewLocal(capacity int, refillPerSecond float64) *Local {
	return &Local{
		buckets:  make(map[string]*rate.Limiter),
		capacity: capacity,
		refill:   refillPerSecond,
		now:      time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.refill), l.capacity)
		l.buckets[key] = lim
	}
	l.mu.Unlock()

	now := l.now()
	if lim.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: lim.TokensAt(now)}, nil
	}
	tokens := lim.TokensAt(now)
	return Decision{Remaining: tokens, RetryAfter: retryAfter(tokens, l.refill)}, nil
}

func retryAfter(tokens, refill float64) time.Duration {
	if refill <= 0 {
		return time.Hour
	}
	wait := (1 - tokens) / refill
	return time.Duration(math.Ceil(wait)) * time.Second
}
