// Package ratelimit provides the per-API-key token bucket guarding the
// HTTP gateway. Buckets refill lazily on each Allow call, so the limiter
// needs no background goroutine.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited reports an exhausted bucket for the calling key.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config sets the per-key request budget.
type Config struct {
	RequestsPerMinute int // refill rate; 0 disables limiting entirely
	BurstSize         int // bucket capacity; 0 falls back to RequestsPerMinute
}

// Limiter hands out tokens per API key. Keys never share a bucket, so
// one noisy caller cannot starve the others.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// refill credits tokens for the time elapsed since the last call,
// capped at the burst size.
func (b *bucket) refill(now time.Time, rate, burst float64) {
	b.tokens += now.Sub(b.lastFill).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastFill = now
}

// NewLimiter builds a limiter from cfg. A zero RequestsPerMinute makes
// Allow always succeed.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow takes one token from the key's bucket, returning ErrRateLimited
// when none remain. A key's first request starts from a full bucket.
func (l *Limiter) Allow(key string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
	}

	b.refill(now, l.rate, l.burst)
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}
