// Package ratelimit is the per-user token bucket that bounds request
// inflow before a task ever reaches the Work Queue (SPEC_FULL.md §4.4).
// Buckets refill lazily on access rather than via a background ticker per
// user, grounded on the teacher's pkg/database connection-count gating
// idiom, rebuilt atop xsync's concurrent map instead of a mutex-guarded
// plain map since every relay-subscription worker checks a limiter
// concurrently.
package ratelimit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Config describes one token bucket's shape.
type Config struct {
	Capacity       float64       // max tokens a bucket can hold
	RefillPerSec   float64       // tokens added per second
	IdleExpiration time.Duration // buckets unused this long are swept
}

// DefaultConfig matches SPEC_FULL.md §4.4's per-user defaults: 50 requests
// burst, refilling at 5 tokens/second steady state.
var DefaultConfig = Config{
	Capacity:       50,
	RefillPerSec:   5,
	IdleExpiration: 10 * time.Minute,
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

// L is the per-user rate limiter.
type L struct {
	cfg     Config
	buckets *xsync.MapOf[string, *bucket]
}

// New constructs a limiter with cfg (DefaultConfig's zero-valued fields are
// not auto-filled; pass DefaultConfig directly for the spec defaults).
func New(cfg Config) *L {
	return &L{cfg: cfg, buckets: xsync.NewMapOf[string, *bucket]()}
}

// Result is returned by Check.
type Result struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Check consumes one token for key at time now, lazily refilling the
// bucket for elapsed time since its last access.
func (l *L) Check(key string, now time.Time) Result {
	b, _ := l.buckets.LoadOrCompute(key, func() *bucket {
		return &bucket{tokens: l.cfg.Capacity, lastSeen: now}
	})
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastSeen).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.cfg.RefillPerSec
		if b.tokens > l.cfg.Capacity {
			b.tokens = l.cfg.Capacity
		}
		b.lastSeen = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Result{Allowed: true, Remaining: b.tokens}
	}

	deficit := 1 - b.tokens
	var retryAfter time.Duration
	if l.cfg.RefillPerSec > 0 {
		retryAfter = time.Duration(deficit / l.cfg.RefillPerSec * float64(time.Second))
	}
	return Result{Allowed: false, Remaining: b.tokens, RetryAfter: retryAfter}
}

// Sweep evicts buckets idle longer than cfg.IdleExpiration, bounding memory
// for a gateway that has seen many distinct users over its lifetime.
func (l *L) Sweep(now time.Time) (removed int) {
	if l.cfg.IdleExpiration <= 0 {
		return 0
	}
	var stale []string
	l.buckets.Range(func(key string, b *bucket) bool {
		b.mu.Lock()
		idle := now.Sub(b.lastSeen)
		b.mu.Unlock()
		if idle >= l.cfg.IdleExpiration {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		l.buckets.Delete(key)
		removed++
	}
	return removed
}

// Len reports how many distinct user buckets are tracked.
func (l *L) Len() int { return l.buckets.Size() }
