// Package gateway wires every component into a running process: the
// store, ledger, conversation store, rate limiter, circuit breaker, oracle,
// work queue, dispatcher, processor, and one supervisor per relay URL.
// Grounded on the teacher's app.Relay struct (the single object main.go
// constructs and threads through the server), generalized from one
// relay-server object to the gateway's own component graph, with the
// dashboard's back-pointer (app<->database, app<->dashboard) broken per
// SPEC_FULL.md §9 into the narrow StatsProvider seam below.
package gateway

import (
	"context"
	"fmt"
	"time"

	"zapgate.dev/internal/breaker"
	"zapgate.dev/internal/clock"
	"zapgate.dev/internal/conversation"
	"zapgate.dev/internal/dedup"
	"zapgate.dev/internal/dispatcher"
	"zapgate.dev/internal/hex"
	"zapgate.dev/internal/ledger"
	"zapgate.dev/internal/oracle"
	"zapgate.dev/internal/processor"
	"zapgate.dev/internal/ratelimit"
	"zapgate.dev/internal/relay"
	"zapgate.dev/internal/signer"
	"zapgate.dev/internal/store"
	"zapgate.dev/internal/supervisor"
	"zapgate.dev/internal/workqueue"
	"zapgate.dev/internal/xcontext"
)

// Config is everything needed to construct a Gateway.
type Config struct {
	DataDir   string
	SignerKey string
	RelayURLs []string

	AnthropicAPIKey string
	OracleModel     string
	OracleMaxTokens int64
	SystemHint      string

	RateLimit     ratelimit.Config
	Breaker       breaker.Config
	Queue         workqueue.Config
	Costs         processor.Costs
	ResponseDelay time.Duration
	OracleTimeout time.Duration

	MaxConsecutiveRelayFails int
}

// G is the fully wired gateway.
type G struct {
	cfg Config

	store        *store.S
	sign         signer.I
	ledger       *ledger.L
	conversation *conversation.C
	limiter      *ratelimit.L
	brk          *breaker.B
	queue        *workqueue.Q
	publishes    *relay.Set
	dispatch     *dispatcher.D
	proc         *processor.P
	supervisors  map[string]*supervisor.Supervisor
}

// New constructs every component but does not start any goroutines.
func New(ctx xcontext.T, cfg Config) (g *G, err error) {
	s, err := store.Open(ctx, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sign, err := signer.NewFromHex(cfg.SignerKey)
	if err != nil {
		return nil, fmt.Errorf("construct signer: %w", err)
	}

	ledg := ledger.New(s)
	conv := conversation.New(s)
	limiter := ratelimit.New(cfg.RateLimit)
	brk := breaker.New(cfg.Breaker)
	queue := workqueue.New(cfg.Queue)

	publishes := relay.NewSet(nil)
	supervisors := make(map[string]*supervisor.Supervisor, len(cfg.RelayURLs))
	for _, url := range cfg.RelayURLs {
		sv := supervisor.New(supervisor.Config{
			URL:                 url,
			SelfPub:             sign.Pub(),
			MaxConsecutiveFails: cfg.MaxConsecutiveRelayFails,
			OnConnect:           publishes.Update,
			OnDisconnect:        publishes.Remove,
		})
		supervisors[url] = sv
	}

	var oracleImpl oracle.I
	if cfg.AnthropicAPIKey != "" {
		oracleImpl = oracle.NewAnthropic(oracle.AnthropicConfig{
			APIKey:     cfg.AnthropicAPIKey,
			Model:      cfg.OracleModel,
			MaxTokens:  cfg.OracleMaxTokens,
			SystemHint: cfg.SystemHint,
		})
	} else {
		oracleImpl = &oracle.Fallback{}
	}
	fallback := &oracle.Fallback{}

	proc := processor.New(processor.Config{
		Sign:          sign,
		Clock:         clock.Real{},
		Conversation:  conv,
		Ledger:        ledg,
		Breaker:       brk,
		Oracle:        oracleImpl,
		Fallback:      fallback,
		Fingerprints:  dedup.NewFingerprintCache(dedup.DefaultFingerprintTTL),
		Publishes:     publishes,
		Costs:         cfg.Costs,
		ResponseDelay: cfg.ResponseDelay,
		OracleTimeout: cfg.OracleTimeout,
	})

	dispatch := dispatcher.New(dispatcher.Config{
		SelfPub:   sign.Pub(),
		Signer:    sign,
		Clock:     clock.Real{},
		Events:    dedup.NewEventSet(dedup.DefaultEventSetCapacity),
		Limiter:   limiter,
		Queue:     queue,
		Ledger:    ledg,
		Publishes: publishes,
		Processor: proc,
	})

	return &G{
		cfg:          cfg,
		store:        s,
		sign:         sign,
		ledger:       ledg,
		conversation: conv,
		limiter:      limiter,
		brk:          brk,
		queue:        queue,
		publishes:    publishes,
		dispatch:     dispatch,
		proc:         proc,
		supervisors:  supervisors,
	}, nil
}

// Run connects every relay supervisor, starts the work queue, and pumps
// frames from every supervisor into the dispatcher until ctx is cancelled.
// Returns an error if zero relays ever reach the Subscribed state.
func (g *G) Run(ctx context.Context) error {
	g.queue.Start(ctx)

	for url, sv := range g.supervisors {
		go sv.Run(ctx)
		go g.pump(ctx, url, sv)
	}

	if !g.awaitFirstConnection(ctx, 15*time.Second) {
		return fmt.Errorf("no relay connected within startup window")
	}

	<-ctx.Done()
	g.queue.Stop()
	return nil
}

func (g *G) pump(ctx context.Context, url string, sv *supervisor.Supervisor) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-sv.Frames:
			if !ok {
				return
			}
			if f.Kind != relay.FrameEvent || f.Event == nil {
				continue
			}
			g.dispatch.Handle(ctx, f.Event, url)
		}
	}
}

func (g *G) awaitFirstConnection(ctx context.Context, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, sv := range g.supervisors {
			if sv.State() == supervisor.StateSubscribed {
				return true
			}
		}
		select {
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// PubKeyHex returns the gateway's own identity, for logging at startup.
func (g *G) PubKeyHex() string { return hex.Enc(g.sign.Pub()) }

// Stats is the narrow read-only surface a dashboard would consume
// (SPEC_FULL.md §9: break the bot<->dashboard cyclic reference).
type Stats struct {
	Dispatcher dispatcher.Stats
	Queue      workqueue.Stats
	Relays     map[string]string
	Breaker    string
}

// StatsProvider is implemented by G; a dashboard depends on this interface,
// never on *G directly.
type StatsProvider interface {
	Stats() Stats
}

// Stats reports a point-in-time snapshot across every owned component.
func (g *G) Stats() Stats {
	relays := make(map[string]string, len(g.supervisors))
	for url, sv := range g.supervisors {
		relays[url] = sv.State().String()
	}
	return Stats{
		Dispatcher: g.dispatch.Snapshot(),
		Queue:      g.queue.Snapshot(),
		Relays:     relays,
		Breaker:    g.brk.State().String(),
	}
}

var _ StatsProvider = (*G)(nil)
