// Package conversation is the append-only, per-user/per-session message log
// with duplicate suppression and history retrieval (SPEC_FULL.md §4.8),
// built on internal/store with the teacher's badger+msgpack record pattern
// (pkg/database/subscriptions.go).
//
// Key layout (lexicographic order equals time order because timestamps are
// zero-padded):
//
//	message:{user}:{session}:{padded_ts}:{direction}  -> Message
//	session:{user}:{session}                          -> Session
//	hash:event:{event_id}                             -> pointer (dedup by event id)
//	hash:{user}:{session}:{padded_ts}:{direction}      -> pointer (dedup by composite key)
package conversation

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/vmihailenco/msgpack/v5"
	"lukechampine.com/frand"

	"zapgate.dev/internal/store"
)

// Variant is a Message Record's role, replacing duck-typed optional fields
// with a required, exhaustive tag per SPEC_FULL.md §3 (REDESIGN FLAG).
type Variant int

const (
	UserTurn Variant = iota
	BotTurn
	SystemTurn
)

// Origin classifies where a Session originated.
type Origin int

const (
	OriginDM Origin = iota
	OriginPublic
	OriginOther
)

// Message is the persisted conversational atom.
type Message struct {
	UserKey         string         `msgpack:"user_key"`
	SessionID       string         `msgpack:"session_id"`
	Variant         Variant        `msgpack:"variant"`
	Text            string         `msgpack:"text"`
	TimestampMs     int64          `msgpack:"timestamp_ms"`
	MessageID       string         `msgpack:"message_id"`
	ReplyTo         string         `msgpack:"reply_to"`
	SourceEventID   string         `msgpack:"source_event_id"`
	SourceEventKind int32          `msgpack:"source_event_kind"`
	Metadata        map[string]string `msgpack:"metadata"`
}

func (m *Message) direction() string {
	if m.Variant == UserTurn {
		return "user"
	}
	return "bot"
}

// Session is a logical conversation thread scoped to a user.
type Session struct {
	UserKey       string            `msgpack:"user_key"`
	SessionID     string            `msgpack:"session_id"`
	CreatedAt     int64             `msgpack:"created_at"`
	LastMessageAt int64             `msgpack:"last_message_at"`
	MessageCount  int64             `msgpack:"message_count"`
	Origin        Origin            `msgpack:"origin"`
	LastPreview   string            `msgpack:"last_preview"`
	LastDirection string            `msgpack:"last_direction"`
	LastEventID   string            `msgpack:"last_event_id"`
	Metadata      map[string]string `msgpack:"metadata"`
}

// SaveResult is returned by SaveMessage.
type SaveResult struct {
	MessageID   string
	SessionID   string
	Duplicate   bool
	TimestampMs int64
}

// C is the conversation store.
type C struct {
	s *store.S
}

// New wraps a store as a conversation store.
func New(s *store.S) *C { return &C{s: s} }

func sessionKey(user, session string) []byte {
	return []byte(fmt.Sprintf("session:%s:%s", user, session))
}

func messageKey(user, session string, tsMs int64, direction string) []byte {
	return []byte(fmt.Sprintf("message:%s:%s:%020d:%s", user, session, tsMs, direction))
}

func messagePrefixForSession(user, session string) []byte {
	return []byte(fmt.Sprintf("message:%s:%s:", user, session))
}

func messagePrefixForUser(user string) []byte {
	return []byte(fmt.Sprintf("message:%s:", user))
}

func hashEventKey(eventID string) []byte { return []byte("hash:event:" + eventID) }

func hashCompositeKey(user, session string, tsMs int64, direction string) []byte {
	return []byte(fmt.Sprintf("hash:%s:%s:%020d:%s", user, session, tsMs, direction))
}

// sanitizeSessionID trims, collapses whitespace, strips non-printable
// characters and caps length at 120, per SPEC_FULL.md §4.8.
func sanitizeSessionID(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	lastWasSpace := false
	for _, r := range raw {
		if !unicode.IsPrint(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if lastWasSpace {
				continue
			}
			lastWasSpace = true
			b.WriteRune(' ')
			continue
		}
		lastWasSpace = false
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > 120 {
		out = out[:120]
	}
	return out
}

func synthesizeSessionID(now time.Time) string {
	return fmt.Sprintf("session-%d-%s", now.UnixMilli(), randomHex8())
}

func randomHex8() string {
	b := frand.Bytes(4)
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 8)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

// EnsureSession loads or creates the Session for (user, requestedID),
// sanitizing or synthesizing the id, and upgrading metadata idempotently.
func (c *C) EnsureSession(user, requestedID string, origin Origin, now time.Time, metadata map[string]string) (sessionID string, isNew bool, err error) {
	sessionID = sanitizeSessionID(requestedID)
	if sessionID == "" {
		sessionID = synthesizeSessionID(now)
	}
	key := sessionKey(user, sessionID)
	v, err := c.s.Get(key)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		sess := Session{
			UserKey:   user,
			SessionID: sessionID,
			CreatedAt: now.UnixMilli(),
			Origin:    origin,
			Metadata:  metadata,
		}
		b, merr := msgpack.Marshal(sess)
		if merr != nil {
			return "", false, merr
		}
		if err = c.s.Put(key, b); err != nil {
			return "", false, err
		}
		return sessionID, true, nil
	}
	var sess Session
	if err = msgpack.Unmarshal(v, &sess); err != nil {
		return "", false, err
	}
	changed := false
	if metadata != nil {
		if sess.Metadata == nil {
			sess.Metadata = map[string]string{}
		}
		for k, val := range metadata {
			if sess.Metadata[k] != val {
				sess.Metadata[k] = val
				changed = true
			}
		}
	}
	if changed {
		b, merr := msgpack.Marshal(sess)
		if merr != nil {
			return "", false, merr
		}
		if err = c.s.Put(key, b); err != nil {
			return "", false, err
		}
	}
	return sessionID, false, nil
}

// SessionMetadataKey under which the Processor stores an oracle-produced
// memory summary (SPEC_FULL.md §4.7's optional long-history hint).
const SessionMetadataKey = "memory_summary"

// GetSession loads the Session for (user, sessionID), returning nil if it
// does not exist yet.
func (c *C) GetSession(user, sessionID string) (*Session, error) {
	v, err := c.s.Get(sessionKey(user, sessionID))
	if err != nil || v == nil {
		return nil, err
	}
	var sess Session
	if err = msgpack.Unmarshal(v, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSessionMetadata merges metadata into an existing session's metadata
// map, writing only if something actually changed. No-op if the session
// does not exist (a session is always created by SaveMessage/EnsureSession
// before the Processor would have anything to record against it).
func (c *C) UpdateSessionMetadata(user, sessionID string, metadata map[string]string) error {
	if sessionID == "" || len(metadata) == 0 {
		return nil
	}
	key := sessionKey(user, sessionID)
	v, err := c.s.Get(key)
	if err != nil || v == nil {
		return err
	}
	var sess Session
	if err = msgpack.Unmarshal(v, &sess); err != nil {
		return err
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]string{}
	}
	changed := false
	for k, val := range metadata {
		if sess.Metadata[k] != val {
			sess.Metadata[k] = val
			changed = true
		}
	}
	if !changed {
		return nil
	}
	b, err := msgpack.Marshal(sess)
	if err != nil {
		return err
	}
	return c.s.Put(key, b)
}

// SaveOpts carries the optional fields for SaveMessage.
type SaveOpts struct {
	RequestedSessionID string
	Origin             Origin
	TimestampMs        int64 // 0 => now
	MessageID          string
	ReplyTo            string
	SourceEventID      string
	SourceEventKind    int32
	Metadata           map[string]string
}

// SaveMessage persists one turn of conversation, resolving/creating its
// session, suppressing duplicates by event id or by the composite
// (user, session, timestamp, direction) key.
func (c *C) SaveMessage(user, text string, variant Variant, now time.Time, opts SaveOpts) (res SaveResult, err error) {
	sessionID, _, err := c.EnsureSession(user, opts.RequestedSessionID, opts.Origin, now, opts.Metadata)
	if err != nil {
		return res, err
	}
	tsMs := opts.TimestampMs
	if tsMs == 0 {
		tsMs = now.UnixMilli()
	}

	msg := &Message{
		UserKey:         user,
		SessionID:       sessionID,
		Variant:         variant,
		Text:            text,
		TimestampMs:     tsMs,
		MessageID:       opts.MessageID,
		ReplyTo:         opts.ReplyTo,
		SourceEventID:   opts.SourceEventID,
		SourceEventKind: opts.SourceEventKind,
		Metadata:        opts.Metadata,
	}
	direction := msg.direction()

	if opts.SourceEventID != "" {
		has, herr := c.s.Has(hashEventKey(opts.SourceEventID))
		if herr != nil {
			return res, herr
		}
		if has {
			return SaveResult{Duplicate: true, SessionID: sessionID}, nil
		}
	}
	compositeKey := hashCompositeKey(user, sessionID, tsMs, direction)
	has, herr := c.s.Has(compositeKey)
	if herr != nil {
		return res, herr
	}
	if has {
		return SaveResult{Duplicate: true, SessionID: sessionID}, nil
	}

	if msg.MessageID == "" {
		if opts.SourceEventID != "" {
			msg.MessageID = opts.SourceEventID
		} else {
			msg.MessageID = fmt.Sprintf("synthetic-%d-%s", tsMs, randomHex8())
		}
	}

	b, merr := msgpack.Marshal(msg)
	if merr != nil {
		return res, merr
	}
	if err = c.s.Put(messageKey(user, sessionID, tsMs, direction), b); err != nil {
		return res, err
	}
	if err = c.s.Put(compositeKey, []byte{1}); err != nil {
		return res, err
	}
	if opts.SourceEventID != "" {
		if err = c.s.Put(hashEventKey(opts.SourceEventID), []byte{1}); err != nil {
			return res, err
		}
	}
	if err = c.bumpSession(user, sessionID, tsMs, text, direction, opts.SourceEventID); err != nil {
		return res, err
	}
	return SaveResult{MessageID: msg.MessageID, SessionID: sessionID, TimestampMs: tsMs}, nil
}

func (c *C) bumpSession(user, sessionID string, tsMs int64, text, direction, eventID string) error {
	key := sessionKey(user, sessionID)
	v, err := c.s.Get(key)
	if err != nil {
		return err
	}
	var sess Session
	if v != nil {
		if err = msgpack.Unmarshal(v, &sess); err != nil {
			return err
		}
	} else {
		sess = Session{UserKey: user, SessionID: sessionID, CreatedAt: tsMs}
	}
	sess.MessageCount++
	if tsMs > sess.LastMessageAt {
		sess.LastMessageAt = tsMs
	}
	preview := text
	if len(preview) > 140 {
		preview = preview[:140]
	}
	sess.LastPreview = preview
	sess.LastDirection = direction
	sess.LastEventID = eventID
	b, merr := msgpack.Marshal(sess)
	if merr != nil {
		return merr
	}
	return c.s.Put(key, b)
}

// HistoryBySession returns up to limit messages for (user, session) in
// chronological (oldest-first) order.
func (c *C) HistoryBySession(user, session string, limit int) ([]*Message, error) {
	return c.history(messagePrefixForSession(user, session), limit)
}

// HistoryByUser returns up to limit messages across all of a user's
// sessions — the fallback path used when a session tag is absent
// (SPEC_FULL.md §9 open question 4). Ordering is chronological within each
// session's own key range, but the underlying scan is keyed
// message:{user}:{session}:{ts}, so messages group by session first and by
// timestamp second rather than being globally interleaved across sessions.
// That distinction only matters for users with more than one session and
// does not affect HistoryBySession, which invariant 11 actually binds.
func (c *C) HistoryByUser(user string, limit int) ([]*Message, error) {
	return c.history(messagePrefixForUser(user), limit)
}

func (c *C) history(prefix []byte, limit int) ([]*Message, error) {
	var out []*Message
	err := c.s.IteratePrefixReverse(prefix, func(key, val []byte) bool {
		var m Message
		if uerr := msgpack.Unmarshal(val, &m); uerr != nil {
			return true // skip malformed record, keep scanning
		}
		out = append(out, &m)
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	// reverse (scan was newest-first) into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Summary is a per-user aggregate for dashboard-style reads (StatsProvider
// seam, SPEC_FULL.md §6).
type Summary struct {
	UserKey      string
	SessionCount int64
	MessageCount int64
	LastActive   int64
}

// SummaryAll aggregates per-user summaries from Session records, skipping
// hash and message entries.
func (c *C) SummaryAll() (map[string]*Summary, error) {
	out := map[string]*Summary{}
	err := c.s.IteratePrefix([]byte("session:"), func(key, val []byte) bool {
		var sess Session
		if uerr := msgpack.Unmarshal(val, &sess); uerr != nil {
			return true
		}
		sm, ok := out[sess.UserKey]
		if !ok {
			sm = &Summary{UserKey: sess.UserKey}
			out[sess.UserKey] = sm
		}
		sm.SessionCount++
		sm.MessageCount += sess.MessageCount
		if sess.LastMessageAt > sm.LastActive {
			sm.LastActive = sess.LastMessageAt
		}
		return true
	})
	return out, err
}
