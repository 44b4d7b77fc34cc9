// Package supervisor is the Relay Supervisor (SPEC_FULL.md §4.1): one
// subscription loop per configured relay URL, reconnecting with backoff and
// giving up permanently past a failure ceiling. Grounded on the teacher's
// pkg/protocol/ws reconnect loop, generalized from a single upstream relay
// to an arbitrary set, with cenkalti/backoff/v4 replacing the teacher's
// fixed-delay retry (sourced the same way as the Work Queue's retry delay,
// per the PayRpc manifest's breaker+backoff pairing).
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"zapgate.dev/internal/log"
	"zapgate.dev/internal/nostr/filter"
	"zapgate.dev/internal/nostr/kind"
	"zapgate.dev/internal/relay"
)

// State is a relay connection's current lifecycle stage, for status
// surfacing via the StatsProvider seam.
type State int

const (
	StateConnecting State = iota
	StateSubscribed
	StateReconnecting
	StateFailedPermanently
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateFailedPermanently:
		return "failed_permanently"
	default:
		return "unknown"
	}
}

// Config shapes one supervisor.
type Config struct {
	URL                 string
	SelfPub             []byte
	SubID               string
	MaxConsecutiveFails int           // permanent give-up ceiling; 0 disables the ceiling
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration

	// OnConnect/OnDisconnect let a relay.Set track which clients are
	// currently publishable without the Supervisor importing it directly.
	OnConnect    func(url string, c *relay.Client)
	OnDisconnect func(url string)
}

// Supervisor owns one relay's connect/subscribe/reconnect lifecycle and
// forwards accepted frames to Frames.
type Supervisor struct {
	cfg    Config
	client *relay.Client

	Frames chan relay.Frame

	state           atomic.Int32
	consecutiveFail atomic.Int32
	Reconnects      atomic.Int64
}

// New constructs a supervisor for cfg. The underlying client is created
// lazily on each connect attempt so a fully-closed client is never reused.
func New(cfg Config) *Supervisor {
	if cfg.SubID == "" {
		cfg.SubID = "zapgate"
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		Frames: make(chan relay.Frame, 256),
	}
}

// State reports the supervisor's current lifecycle stage.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Run drives the connect/subscribe/reconnect loop until ctx is cancelled or
// the failure ceiling is hit.
func (s *Supervisor) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.state.Store(int32(StateConnecting))
		c := relay.New(s.cfg.URL)
		if err := c.Connect(ctx); err != nil {
			if s.giveUpOrWait(ctx, bo, err) {
				return
			}
			continue
		}

		f := filter.New(kind.Watched, s.cfg.SelfPub, time.Now().Add(-time.Minute).Unix())
		if err := c.Subscribe(ctx, s.cfg.SubID, f); err != nil {
			_ = c.Close()
			if s.giveUpOrWait(ctx, bo, err) {
				return
			}
			continue
		}

		s.client = c
		s.state.Store(int32(StateSubscribed))
		s.consecutiveFail.Store(0)
		bo.Reset()
		log.I.F("relay %s: subscribed", s.cfg.URL)
		if s.cfg.OnConnect != nil {
			s.cfg.OnConnect(s.cfg.URL, c)
		}

		s.drain(ctx, c)
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(s.cfg.URL)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		s.Reconnects.Add(1)
	}
}

// drain forwards frames from c until its Frames channel closes (connection
// lost) or ctx is cancelled.
func (s *Supervisor) drain(ctx context.Context, c *relay.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-c.Frames:
			if !ok {
				return
			}
			select {
			case s.Frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}
}

// giveUpOrWait records a connect/subscribe failure, sleeping with backoff
// unless the permanent-failure ceiling has been hit, in which case it marks
// the supervisor failed and returns true.
func (s *Supervisor) giveUpOrWait(ctx context.Context, bo *backoff.ExponentialBackOff, err error) (gaveUp bool) {
	n := s.consecutiveFail.Add(1)
	log.W.F("relay %s: %v (consecutive failures: %d)", s.cfg.URL, err, n)
	if s.cfg.MaxConsecutiveFails > 0 && int(n) >= s.cfg.MaxConsecutiveFails {
		s.state.Store(int32(StateFailedPermanently))
		log.E.F("relay %s: giving up after %d consecutive failures", s.cfg.URL, n)
		return true
	}
	s.state.Store(int32(StateReconnecting))
	wait := bo.NextBackOff()
	select {
	case <-time.After(wait):
		return false
	case <-ctx.Done():
		return true
	}
}

// Client returns the currently-connected client, or nil while
// (re)connecting. The Dispatcher and Processor do not call it; they publish
// through the relay.Set that OnConnect/OnDisconnect keep up to date.
func (s *Supervisor) Client() *relay.Client { return s.client }

// ErrNotConnected is a convenience error for callers that try to use a
// supervisor with no live connection.
var ErrNotConnected = fmt.Errorf("supervisor: relay not connected")
