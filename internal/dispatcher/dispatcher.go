// Package dispatcher is the Dispatcher (SPEC_FULL.md §4.2): it classifies
// inbound events by kind, deduplicates by event id, applies the per-user
// rate limiter, and either answers synchronously (receipts, balance
// queries) or enqueues onto the Work Queue. It never blocks the relay
// receive path — enqueue, dedup and rate-limit checks are all O(1).
// Grounded on the teacher's servemux request-routing idiom (classify-then-
// dispatch by a small integer tag) generalized from HTTP methods to event
// kinds.
package dispatcher

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/atomic"

	"zapgate.dev/internal/clock"
	"zapgate.dev/internal/dedup"
	"zapgate.dev/internal/hex"
	"zapgate.dev/internal/ledger"
	"zapgate.dev/internal/log"
	"zapgate.dev/internal/nostr/event"
	"zapgate.dev/internal/nostr/kind"
	"zapgate.dev/internal/nostr/tag"
	"zapgate.dev/internal/ratelimit"
	"zapgate.dev/internal/relay"
	"zapgate.dev/internal/signer"
	"zapgate.dev/internal/workqueue"
)

// Processor is the seam the Dispatcher hands admitted events to; satisfied
// by *processor.P, kept as an interface here to avoid a dispatcher<->processor
// import cycle (the Processor also needs to publish, which lives alongside
// the Dispatcher's own responder helpers).
type Processor interface {
	Process(ctx context.Context, ev *event.E, relayURL string) error
}

// Stats is a snapshot of dispatcher counters for status surfacing.
type Stats struct {
	Received    int64
	Duplicates  int64
	SelfEcho    int64
	RateLimited int64
	Dropped     int64
	Enqueued    int64
}

// D is the dispatcher.
type D struct {
	selfPub   []byte
	selfPubHex string
	sign      signer.I
	clock     clock.C

	events    *dedup.EventSet
	limiter   *ratelimit.L
	queue     *workqueue.Q
	ledger    *ledger.L
	publishes *relay.Set
	processor Processor

	received    atomic.Int64
	duplicates  atomic.Int64
	selfEcho    atomic.Int64
	rateLimited atomic.Int64
	dropped     atomic.Int64
	enqueued    atomic.Int64
}

// Config bundles D's collaborators.
type Config struct {
	SelfPub   []byte
	Signer    signer.I
	Clock     clock.C
	Events    *dedup.EventSet
	Limiter   *ratelimit.L
	Queue     *workqueue.Q
	Ledger    *ledger.L
	Publishes *relay.Set
	Processor Processor
}

// New constructs a Dispatcher from cfg.
func New(cfg Config) *D {
	return &D{
		selfPub:    cfg.SelfPub,
		selfPubHex: hex.Enc(cfg.SelfPub),
		sign:       cfg.Signer,
		clock:      cfg.Clock,
		events:     cfg.Events,
		limiter:    cfg.Limiter,
		queue:      cfg.Queue,
		ledger:     cfg.Ledger,
		publishes:  cfg.Publishes,
		processor:  cfg.Processor,
	}
}

// Handle classifies and admits one inbound event. Never blocks on anything
// beyond the dedup/rate-limit/enqueue checks themselves.
func (d *D) Handle(ctx context.Context, ev *event.E, relayURL string) {
	d.received.Add(1)

	if d.events.Seen(ev.IdString()) {
		d.duplicates.Add(1)
		return
	}
	if ev.PubkeyString() == d.selfPubHex {
		d.selfEcho.Add(1)
		return
	}

	switch ev.Kind {
	case kind.PaymentReceipt:
		d.handleReceipt(ctx, ev)
	case kind.BalanceRequest:
		d.handleBalanceRequest(ctx, ev)
	case kind.DirectMessage, kind.PublicNote:
		d.admit(ctx, ev, relayURL)
	default:
		// unexhaustive kinds are a first-class ignore arm.
	}
}

func (d *D) admit(ctx context.Context, ev *event.E, relayURL string) {
	now := d.clock.Now()
	res := d.limiter.Check(ev.PubkeyString(), now)
	if !res.Allowed {
		d.rateLimited.Add(1)
		if ev.Kind == kind.DirectMessage {
			d.sendDMNotice(ctx, ev, fmt.Sprintf(
				"rate limit exceeded, retry in %d seconds",
				int(res.RetryAfter.Seconds()+0.999)))
		}
		// public-note rate-limit notices are intentionally suppressed
		// (SPEC_FULL.md §9 open question 5).
		return
	}

	task := &workqueue.Task{
		ID:      ev.IdString(),
		UserKey: ev.PubkeyString(),
		Run: func(taskCtx context.Context) error {
			return d.processor.Process(taskCtx, ev, relayURL)
		},
	}
	if err := d.queue.Enqueue(task); err != nil {
		d.dropped.Add(1)
		if ev.Kind == kind.DirectMessage {
			d.sendDMNotice(ctx, ev, "the system is overloaded, please retry shortly")
		}
		return
	}
	d.enqueued.Add(1)
}

func (d *D) handleReceipt(ctx context.Context, ev *event.E) {
	receipt, err := ledger.ParseReceipt(ev)
	if err != nil {
		log.D.F("receipt %s: %v", ev.IdString(), err)
		return
	}
	newBalance, err := d.ledger.ApplyReceipt(receipt.ReceiptEventID, receipt.RequestEventID, receipt.SenderKey, receipt.AmountUnits, d.clock.Now())
	if err != nil {
		log.D.F("receipt %s: %v", ev.IdString(), err)
		return
	}
	d.publishAck(ctx, receipt.SenderKey, receipt.AmountUnits)
	d.publishBalanceSnapshot(ctx, receipt.SenderKey, newBalance)
}

func (d *D) handleBalanceRequest(ctx context.Context, ev *event.E) {
	balance, err := d.ledger.Get(ev.PubkeyString())
	if err != nil {
		log.E.F("balance request %s: %v", ev.IdString(), err)
		return
	}
	d.publishBalanceSnapshot(ctx, ev.PubkeyString(), balance)
}

// publishAck emits a human-readable public acknowledgement of a payment,
// per SPEC_FULL.md §6's optional zap-acknowledgement kind.
func (d *D) publishAck(ctx context.Context, payerKeyHex string, creditedUnits int64) {
	ev := event.New()
	ev.Kind = kind.PublicNote
	ev.CreatedAt = d.clock.Now().Unix()
	ev.Content = []byte(fmt.Sprintf("payment received, credited %d units", creditedUnits))
	ev.Tags = tag.List{tag.New("p", payerKeyHex)}
	if err := ev.Sign(d.sign); err != nil {
		log.E.F("sign ack: %v", err)
		return
	}
	if _, err := d.publishes.PublishAll(ctx, ev); err != nil {
		log.D.F("publish ack: %v", err)
	}
}

func (d *D) publishBalanceSnapshot(ctx context.Context, userKeyHex string, balance int64) {
	ev := event.New()
	ev.Kind = kind.BalanceResponse
	ev.CreatedAt = d.clock.Now().Unix()
	ev.Content = []byte(fmt.Sprintf(`{"balance":%d,"currency":"units","timestamp":%d}`, balance, d.clock.Now().UnixMilli()))
	ev.Tags = tag.List{
		tag.New("p", userKeyHex),
		tag.New("balance", fmt.Sprintf("%d", balance)),
	}
	if err := ev.Sign(d.sign); err != nil {
		log.E.F("sign balance response: %v", err)
		return
	}
	if _, err := d.publishes.PublishAll(ctx, ev); err != nil {
		log.D.F("publish balance response: %v", err)
	}
}

// sendDMNotice sends a one-shot, unencrypted-pipeline-but-NIP04-encrypted
// plaintext notice back to a DM sender, for rate-limit/overload signalling
// (SPEC_FULL.md §4.2 steps 4-5). Best-effort: failures are logged, not
// retried — these are not accounted messages.
func (d *D) sendDMNotice(ctx context.Context, origin *event.E, text string) {
	if utf8.RuneCountInString(text) == 0 {
		return
	}
	peerHex := origin.PubkeyString()
	peer, err := hex.Dec(peerHex)
	if err != nil {
		return
	}
	ciphertext, err := d.sign.Encrypt(peer, []byte(text))
	if err != nil {
		log.E.F("encrypt dm notice: %v", err)
		return
	}
	ev := event.New()
	ev.Kind = kind.DirectMessage
	ev.CreatedAt = d.clock.Now().Unix()
	ev.Content = []byte(ciphertext)
	tags := tag.List{tag.New("p", peerHex)}
	if st, ok := origin.Tags.First("session"); ok {
		tags = append(tags, st)
	}
	ev.Tags = tags
	if err := ev.Sign(d.sign); err != nil {
		log.E.F("sign dm notice: %v", err)
		return
	}
	if _, err := d.publishes.PublishAll(ctx, ev); err != nil {
		log.D.F("publish dm notice: %v", err)
	}
}

// Snapshot reports current counters.
func (d *D) Snapshot() Stats {
	return Stats{
		Received:    d.received.Load(),
		Duplicates:  d.duplicates.Load(),
		SelfEcho:    d.selfEcho.Load(),
		RateLimited: d.rateLimited.Load(),
		Dropped:     d.dropped.Load(),
		Enqueued:    d.enqueued.Load(),
	}
}
