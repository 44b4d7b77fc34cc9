// Package breaker wraps the AI Oracle call with github.com/sony/gobreaker
// so a struggling backend is given room to recover instead of being hammered
// by every queued task (SPEC_FULL.md §4.5). Sourced as a dependency pairing
// from the retrieval pack's PayRpc manifest, which couples gobreaker with
// cenkalti/backoff for exactly this external-API-protection shape.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"zapgate.dev/internal/log"
)

// Config mirrors SPEC_FULL.md §4.5's thresholds.
type Config struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before tripping to Open
	OpenTimeout      time.Duration // how long Open holds before probing Half-Open
	HalfOpenProbes   uint32        // requests allowed through while Half-Open
}

// DefaultConfig matches the spec's stated defaults: trip after 5 consecutive
// failures, stay open 30s, allow 1 probe in half-open.
var DefaultConfig = Config{
	Name:             "oracle",
	FailureThreshold: 5,
	OpenTimeout:      30 * time.Second,
	HalfOpenProbes:   1,
}

// ErrOpen is returned by Call when the breaker is Open and rejecting calls
// without attempting the wrapped function.
var ErrOpen = gobreaker.ErrOpenState

// B wraps an operation with the three-state breaker.
type B struct {
	cb *gobreaker.CircuitBreaker
}

// New constructs a breaker from cfg.
func New(cfg Config) *B {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    0, // never reset Closed-state counts on a timer
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.I.F("breaker %s: %s -> %s", name, from, to)
		},
	}
	return &B{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Call runs fn through the breaker. A context-cancellation error from fn
// does not count as a breaker failure signal beyond what gobreaker itself
// attributes to any non-nil error; callers that want cancellation excluded
// should check ctx.Err() before treating ErrOpen/failure as a backend fault.
func (b *B) Call(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", ErrOpen
		}
		return "", err
	}
	return out.(string), nil
}

// State reports the breaker's current state for status surfacing.
func (b *B) State() gobreaker.State { return b.cb.State() }

// Counts reports the breaker's rolling counters for status surfacing.
func (b *B) Counts() gobreaker.Counts { return b.cb.Counts() }
