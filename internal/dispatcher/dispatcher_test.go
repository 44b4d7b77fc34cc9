package dispatcher

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zapgate.dev/internal/clock"
	"zapgate.dev/internal/dedup"
	"zapgate.dev/internal/ledger"
	"zapgate.dev/internal/nostr/event"
	"zapgate.dev/internal/nostr/kind"
	"zapgate.dev/internal/nostr/tag"
	"zapgate.dev/internal/ratelimit"
	"zapgate.dev/internal/relay"
	"zapgate.dev/internal/signer"
	"zapgate.dev/internal/store"
	"zapgate.dev/internal/workqueue"
	"zapgate.dev/internal/xcontext"
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeProcessor) Process(ctx context.Context, ev *event.E, relayURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ev.IdString())
	return nil
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestDispatcher(t *testing.T, selfSk string) (*D, *fakeProcessor, *ledger.L, *workqueue.Q) {
	t.Helper()
	s, err := signer.NewFromHex(selfSk)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	ctx, cancel := xcontext.Cancel(xcontext.Bg())
	t.Cleanup(cancel)
	st, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	l := ledger.New(st)
	q := workqueue.New(workqueue.Config{Capacity: 10, Workers: 1, MaxAttempts: 1, RetryDelay: time.Millisecond, DefaultTimeout: time.Second})
	q.Start(ctx)
	t.Cleanup(q.Stop)
	fp := &fakeProcessor{}
	d := New(Config{
		SelfPub:   s.Pub(),
		Signer:    s,
		Clock:     clock.Real{},
		Events:    dedup.NewEventSet(100),
		Limiter:   ratelimit.New(ratelimit.Config{Capacity: 2, RefillPerSec: 0, IdleExpiration: time.Minute}),
		Queue:     q,
		Ledger:    l,
		Publishes: relay.NewSet(nil),
		Processor: fp,
	})
	return d, fp, l, q
}

func signedEventFrom(t *testing.T, skHex string, k kind.T, content string, tags tag.List) *event.E {
	t.Helper()
	s, err := signer.NewFromHex(skHex)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	ev := event.New()
	ev.Kind = k
	ev.CreatedAt = 1700000000
	ev.Content = []byte(content)
	ev.Tags = tags
	if err = ev.Sign(s); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev
}

var skSelf = strings.Repeat("0f", 32)
var skSender = strings.Repeat("10", 32)

func TestHandleDropsDuplicateEventID(t *testing.T) {
	d, fp, _, _ := newTestDispatcher(t, skSelf)
	ev := signedEventFrom(t, skSender, kind.PublicNote, "hello", nil)

	d.Handle(context.Background(), ev, "wss://relay.example")
	d.Handle(context.Background(), ev, "wss://relay.example")

	require.Eventually(t, func() bool { return fp.count() >= 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, fp.count(), "processor should run exactly once despite the duplicate")
	snap := d.Snapshot()
	require.EqualValues(t, 1, snap.Duplicates)
	require.EqualValues(t, 1, snap.Enqueued)
}

func TestHandleIgnoresSelfEcho(t *testing.T) {
	d, fp, _, _ := newTestDispatcher(t, skSelf)
	ev := signedEventFrom(t, skSelf, kind.PublicNote, "hello from myself", nil)

	d.Handle(context.Background(), ev, "wss://relay.example")

	require.Equal(t, 0, fp.count(), "self-authored events must never reach the processor")
	require.EqualValues(t, 1, d.Snapshot().SelfEcho)
}

func TestHandleRateLimitsAfterBurstCapacity(t *testing.T) {
	d, fp, _, _ := newTestDispatcher(t, skSelf)

	for i := 0; i < 2; i++ {
		ev := signedEventFrom(t, skSender, kind.DirectMessage, "hi"+strings.Repeat("!", i), nil)
		d.Handle(context.Background(), ev, "wss://relay.example")
	}
	// a 3rd distinct event from the same sender should be denied by the
	// limiter (capacity 2), not enqueued
	ev3 := signedEventFrom(t, skSender, kind.DirectMessage, "one more", nil)
	d.Handle(context.Background(), ev3, "wss://relay.example")

	require.Eventually(t, func() bool { return fp.count() >= 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, fp.count(), "only the first 2 admissions should reach the processor")
	require.EqualValues(t, 1, d.Snapshot().RateLimited)
}

func TestHandlePaymentReceiptCreditsLedger(t *testing.T) {
	d, _, l, _ := newTestDispatcher(t, skSelf)
	description := `{"pubkey":"` + strings.Repeat("aa", 32) + `","id":"req-1","tags":[["amount","50000"]]}`
	ev := signedEventFrom(t, skSender, kind.PaymentReceipt, "", tag.List{
		tag.New("e", "req-1"),
		tag.New("description", description),
	})

	d.Handle(context.Background(), ev, "wss://relay.example")

	bal, err := l.Get(strings.Repeat("aa", 32))
	require.NoError(t, err)
	require.Equal(t, int64(50), bal)
}

func TestHandleBalanceRequestDoesNotPanic(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, skSelf)
	ev := signedEventFrom(t, skSender, kind.BalanceRequest, "", nil)
	d.Handle(context.Background(), ev, "wss://relay.example")
}
