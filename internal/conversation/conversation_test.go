package conversation

import (
	"testing"
	"time"

	"zapgate.dev/internal/store"
	"zapgate.dev/internal/xcontext"
)

func newTestStore(t *testing.T) *store.S {
	t.Helper()
	ctx, cancel := xcontext.Cancel(xcontext.Bg())
	t.Cleanup(cancel)
	s, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestEnsureSessionSanitizesAndReuses(t *testing.T) {
	c := New(newTestStore(t))
	now := time.Unix(1700000000, 0)

	id, isNew, err := c.EnsureSession("alice", "  My   Session \x00Name  ", OriginDM, now, nil)
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if !isNew {
		t.Fatalf("expected first call to create a new session")
	}
	if id != "My Session Name" {
		t.Fatalf("expected sanitized session id, got %q", id)
	}

	id2, isNew2, err := c.EnsureSession("alice", "  My   Session \x00Name  ", OriginDM, now.Add(time.Second), nil)
	if err != nil {
		t.Fatalf("ensure session again: %v", err)
	}
	if isNew2 {
		t.Fatalf("expected the second call to reuse the existing session")
	}
	if id2 != id {
		t.Fatalf("expected stable session id, got %q vs %q", id2, id)
	}
}

func TestEnsureSessionSynthesizesWhenBlank(t *testing.T) {
	c := New(newTestStore(t))
	now := time.Unix(1700000000, 0)
	id, isNew, err := c.EnsureSession("bob", "   ", OriginPublic, now, nil)
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if !isNew {
		t.Fatalf("expected a synthesized session to be new")
	}
	if id == "" {
		t.Fatalf("expected a non-empty synthesized session id")
	}
}

func TestSaveMessageDedupsByEventID(t *testing.T) {
	c := New(newTestStore(t))
	now := time.Unix(1700000000, 0)

	res1, err := c.SaveMessage("alice", "hello", UserTurn, now, SaveOpts{
		RequestedSessionID: "s1",
		SourceEventID:      "evt-1",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res1.Duplicate {
		t.Fatalf("first save should not be a duplicate")
	}

	res2, err := c.SaveMessage("alice", "hello again, different text", UserTurn, now.Add(time.Second), SaveOpts{
		RequestedSessionID: "s1",
		SourceEventID:      "evt-1",
	})
	if err != nil {
		t.Fatalf("save duplicate: %v", err)
	}
	if !res2.Duplicate {
		t.Fatalf("expected replay of the same event id to be flagged a duplicate")
	}

	hist, err := c.HistoryBySession("alice", "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected exactly one persisted message, got %d", len(hist))
	}
}

func TestSaveMessageDedupsByCompositeKeyWithoutEventID(t *testing.T) {
	c := New(newTestStore(t))
	now := time.Unix(1700000000, 0)

	opts := SaveOpts{RequestedSessionID: "s1", TimestampMs: now.UnixMilli()}
	res1, err := c.SaveMessage("carol", "first", UserTurn, now, opts)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res1.Duplicate {
		t.Fatalf("first save should not be a duplicate")
	}

	res2, err := c.SaveMessage("carol", "second", UserTurn, now, opts)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !res2.Duplicate {
		t.Fatalf("expected same (user,session,timestamp,direction) to collide as a duplicate")
	}
}

func TestHistoryBySessionIsChronological(t *testing.T) {
	c := New(newTestStore(t))
	base := time.Unix(1700000000, 0)

	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		_, err := c.SaveMessage("dave", "msg", UserTurn, ts, SaveOpts{
			RequestedSessionID: "s1",
			TimestampMs:        ts.UnixMilli(),
			SourceEventID:      sprintfEvt(i),
		})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	hist, err := c.HistoryBySession("dave", "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].TimestampMs < hist[i-1].TimestampMs {
			t.Fatalf("history is not in chronological order at index %d", i)
		}
	}
}

func TestHistoryBySessionRespectsLimit(t *testing.T) {
	c := New(newTestStore(t))
	base := time.Unix(1700000000, 0)
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		_, err := c.SaveMessage("erin", "msg", UserTurn, ts, SaveOpts{
			RequestedSessionID: "s1",
			TimestampMs:        ts.UnixMilli(),
			SourceEventID:      sprintfEvt(i),
		})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	hist, err := c.HistoryBySession("erin", "s1", 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected limit of 3 to be respected, got %d", len(hist))
	}
	// the most recent 3, still chronological
	if hist[len(hist)-1].SourceEventID != sprintfEvt(9) {
		t.Fatalf("expected the most recent message last, got %q", hist[len(hist)-1].SourceEventID)
	}
}

func TestHistoryByUserFallsBackAcrossSessions(t *testing.T) {
	c := New(newTestStore(t))
	base := time.Unix(1700000000, 0)
	_, err := c.SaveMessage("frank", "in session a", UserTurn, base, SaveOpts{
		RequestedSessionID: "a",
		TimestampMs:        base.UnixMilli(),
		SourceEventID:      "evt-a",
	})
	if err != nil {
		t.Fatalf("save a: %v", err)
	}
	_, err = c.SaveMessage("frank", "in session b", UserTurn, base.Add(time.Minute), SaveOpts{
		RequestedSessionID: "b",
		TimestampMs:        base.Add(time.Minute).UnixMilli(),
		SourceEventID:      "evt-b",
	})
	if err != nil {
		t.Fatalf("save b: %v", err)
	}

	hist, err := c.HistoryByUser("frank", 10)
	if err != nil {
		t.Fatalf("history by user: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected messages from both sessions, got %d", len(hist))
	}
	if hist[0].SessionID != "a" || hist[1].SessionID != "b" {
		t.Fatalf("expected chronological cross-session order, got %q then %q", hist[0].SessionID, hist[1].SessionID)
	}
}

func sprintfEvt(i int) string {
	const hexDigits = "0123456789abcdef"
	return "evt-" + string(hexDigits[i%16])
}
