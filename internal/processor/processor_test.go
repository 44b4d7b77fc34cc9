package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"zapgate.dev/internal/breaker"
	"zapgate.dev/internal/clock"
	"zapgate.dev/internal/conversation"
	"zapgate.dev/internal/dedup"
	"zapgate.dev/internal/ledger"
	"zapgate.dev/internal/nostr/event"
	"zapgate.dev/internal/nostr/kind"
	"zapgate.dev/internal/nostr/tag"
	"zapgate.dev/internal/oracle"
	"zapgate.dev/internal/relay"
	"zapgate.dev/internal/signer"
	"zapgate.dev/internal/store"
	"zapgate.dev/internal/xcontext"
)

func newAcceptingRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, data, rerr := c.Read(ctx)
			if rerr != nil {
				return
			}
			if strings.Contains(string(data), `"EVENT"`) {
				idx := strings.Index(string(data), `"id":"`)
				id := ""
				if idx >= 0 {
					rest := string(data)[idx+len(`"id":"`):]
					if end := strings.Index(rest, `"`); end >= 0 {
						id = rest[:end]
					}
				}
				_ = c.Write(ctx, websocket.MessageText, []byte(`["OK","`+id+`",true,""]`))
			}
		}
	}))
	return srv
}

func wsURL(httpURL string) string { return "ws" + strings.TrimPrefix(httpURL, "http") }

type testRig struct {
	proc    *P
	conv    *conversation.C
	ledger  *ledger.L
	sign    signer.I
	user    signer.I
	fixed   *clock.Fixed
	server  *httptest.Server
	client  *relay.Client
}

func newTestRig(t *testing.T, oracleImpl oracle.I) *testRig {
	t.Helper()
	ctx, cancel := xcontext.Cancel(xcontext.Bg())
	t.Cleanup(cancel)
	st, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	gwSign, err := signer.NewFromHex(strings.Repeat("11", 32))
	if err != nil {
		t.Fatalf("gateway signer: %v", err)
	}
	userSign, err := signer.NewFromHex(strings.Repeat("12", 32))
	if err != nil {
		t.Fatalf("user signer: %v", err)
	}

	srv := newAcceptingRelayServer(t)
	t.Cleanup(srv.Close)
	rc := relay.New(wsURL(srv.URL))
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	if err = rc.Connect(dialCtx); err != nil {
		t.Fatalf("connect test relay: %v", err)
	}
	t.Cleanup(func() { rc.Close() })

	set := relay.NewSet(nil)
	set.Update(srv.URL, rc)

	conv := conversation.New(st)
	l := ledger.New(st)
	fixed := clock.NewFixed(time.Unix(1700000000, 0))
	fallback := &oracle.Fallback{Message: "fallback reply"}

	p := New(Config{
		Sign:          gwSign,
		Clock:         fixed,
		Conversation:  conv,
		Ledger:        l,
		Breaker:       breaker.New(breaker.DefaultConfig),
		Oracle:        oracleImpl,
		Fallback:      fallback,
		Fingerprints:  dedup.NewFingerprintCache(time.Minute),
		Publishes:     set,
		Costs:         Costs{DirectMessage: 20, PublicNote: 50},
		ResponseDelay: time.Millisecond,
		HistoryLimit:  50,
		OracleTimeout: 5 * time.Second,
	})

	return &testRig{proc: p, conv: conv, ledger: l, sign: gwSign, user: userSign, fixed: fixed, server: srv, client: rc}
}

func userDM(t *testing.T, rig *testRig, plaintext string) *event.E {
	t.Helper()
	ct, err := rig.user.Encrypt(rig.sign.Pub(), []byte(plaintext))
	if err != nil {
		t.Fatalf("encrypt dm: %v", err)
	}
	ev := event.New()
	ev.Kind = kind.DirectMessage
	ev.CreatedAt = rig.fixed.Now().Unix()
	ev.Content = []byte(ct)
	ev.Tags = tag.List{tag.New("p", rig.sign.PubHex())}
	if err = ev.Sign(rig.user); err != nil {
		t.Fatalf("sign dm: %v", err)
	}
	return ev
}

type echoOracle struct{}

func (echoOracle) Generate(ctx context.Context, req oracle.Request) (string, string, error) {
	return "echo: " + req.Prompt, "", nil
}

func TestProcessHappyPathDMDebitsAndReplies(t *testing.T) {
	rig := newTestRig(t, echoOracle{})
	userHex := rig.user.PubHex()
	_, err := rig.ledger.Credit(userHex, 100)
	require.NoError(t, err)

	ev := userDM(t, rig, "hello gateway")
	require.NoError(t, rig.proc.Process(context.Background(), ev, rig.server.URL))

	bal, err := rig.ledger.Get(userHex)
	require.NoError(t, err)
	require.Equal(t, int64(80), bal)

	hist, err := rig.conv.HistoryByUser(userHex, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, conversation.UserTurn, hist[0].Variant)
	require.Equal(t, "hello gateway", hist[0].Text)
	require.Equal(t, conversation.BotTurn, hist[1].Variant)
	require.Contains(t, hist[1].Text, "echo: hello gateway")
}

func TestProcessDuplicateEventIsANoOp(t *testing.T) {
	rig := newTestRig(t, echoOracle{})
	userHex := rig.user.PubHex()
	_, err := rig.ledger.Credit(userHex, 100)
	require.NoError(t, err)

	ev := userDM(t, rig, "repeat me")
	require.NoError(t, rig.proc.Process(context.Background(), ev, rig.server.URL))
	require.NoError(t, rig.proc.Process(context.Background(), ev, rig.server.URL))

	bal, err := rig.ledger.Get(userHex)
	require.NoError(t, err)
	require.Equal(t, int64(80), bal, "the duplicate event must be charged only once")
}

func TestProcessInsufficientFundsSkipsOracleAndDebit(t *testing.T) {
	rig := newTestRig(t, echoOracle{})
	userHex := rig.user.PubHex()
	// no credit: balance starts at 0, DirectMessage costs 20

	ev := userDM(t, rig, "can you help me")
	require.NoError(t, rig.proc.Process(context.Background(), ev, rig.server.URL))

	bal, err := rig.ledger.Get(userHex)
	require.NoError(t, err)
	require.Equal(t, int64(0), bal, "balance must be untouched after a failed debit")

	hist, err := rig.conv.HistoryByUser(userHex, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2, "expected the user turn and a system decline persisted")
	require.Equal(t, conversation.SystemTurn, hist[1].Variant)
	require.Contains(t, hist[1].Text, "insufficient balance")
}
