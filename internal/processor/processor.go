// Package processor is the worker body the Work Queue runs for every
// admitted direct_message/public_note event (SPEC_FULL.md §4.7):
// decrypt/verify, content-fingerprint dedup, persist, debit-before-generate,
// invoke the oracle through the circuit breaker, publish, persist the
// reply. Grounded on the teacher's socketapi request-handling pipeline
// (one function per inbound message type, each step short-circuiting on
// error), generalized from relay-server command handling to gateway
// message handling.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zapgate.dev/internal/breaker"
	"zapgate.dev/internal/clock"
	"zapgate.dev/internal/conversation"
	"zapgate.dev/internal/dedup"
	"zapgate.dev/internal/ledger"
	"zapgate.dev/internal/log"
	"zapgate.dev/internal/nostr/event"
	"zapgate.dev/internal/nostr/kind"
	"zapgate.dev/internal/nostr/tag"
	"zapgate.dev/internal/oracle"
	"zapgate.dev/internal/relay"
	"zapgate.dev/internal/signer"
)

// Costs is the per-kind charging table (SPEC_FULL.md §4.6).
type Costs struct {
	DirectMessage int64
	PublicNote    int64
}

// DefaultCosts matches the spec's stated defaults.
var DefaultCosts = Costs{DirectMessage: 20, PublicNote: 50}

// Config bundles P's collaborators and tunables.
type Config struct {
	Sign          signer.I
	Clock         clock.C
	Conversation  *conversation.C
	Ledger        *ledger.L
	Breaker       *breaker.B
	Oracle        oracle.I
	Fallback      oracle.I
	Fingerprints  *dedup.FingerprintCache
	Publishes     *relay.Set
	Costs         Costs
	ResponseDelay time.Duration
	HistoryLimit  int
	OracleTimeout time.Duration
}

// P is the processor.
type P struct {
	cfg Config
}

// New constructs a processor from cfg, filling unset tunables with spec
// defaults.
func New(cfg Config) *P {
	if cfg.Costs == (Costs{}) {
		cfg.Costs = DefaultCosts
	}
	if cfg.ResponseDelay <= 0 {
		cfg.ResponseDelay = 2 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 55 * time.Second
	}
	return &P{cfg: cfg}
}

// Process runs the full pipeline for one admitted event. Per SPEC_FULL.md
// §4.7's last paragraph, any error surfacing after the user message has
// been persisted (i.e. past step 5) triggers a best-effort DM error notice
// before the error is returned to the Work Queue for retry.
func (p *P) Process(ctx context.Context, ev *event.E, relayURL string) (err error) {
	isDM := ev.Kind == kind.DirectMessage
	authorHex := ev.PubkeyString()
	pastPersist := false
	defer func() {
		if err != nil && pastPersist && isDM {
			p.sendDMErrorNotice(ctx, ev, authorHex)
		}
	}()

	sessionID := ""
	if isDM {
		if t, ok := ev.Tags.First("session"); ok {
			sessionID = t.Value()
		}
	}

	if ok, verr := ev.Verify(p.cfg.Sign); verr != nil || !ok {
		log.D.F("event %s: signature check failed: %v", ev.IdString(), verr)
		return nil // unauthenticated: drop, not retried
	}

	plaintext, err := p.extractPlaintext(ev, isDM)
	if err != nil {
		log.D.F("event %s: %v", ev.IdString(), err)
		return nil // DecryptError/ParseError: drop, not retried
	}
	if len(plaintext) == 0 {
		return nil // EmptyContent: drop silently
	}

	fp := dedup.Fingerprint(authorHex, plaintext)
	if p.cfg.Fingerprints.SeenRecently(fp, p.cfg.Clock.Now()) {
		return nil
	}

	saveRes, err := p.cfg.Conversation.SaveMessage(authorHex, plaintext, conversation.UserTurn, p.cfg.Clock.Now(), conversation.SaveOpts{
		RequestedSessionID: sessionID,
		Origin:             originFor(isDM),
		MessageID:          ev.IdString(),
		SourceEventID:      ev.IdString(),
		SourceEventKind:    ev.Kind.Int32(),
	})
	if err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	if saveRes.Duplicate {
		return nil
	}
	pastPersist = true
	sessionID = saveRes.SessionID

	cost := p.cfg.Costs.PublicNote
	if isDM {
		cost = p.cfg.Costs.DirectMessage
	}

	newBalance, debitErr := p.cfg.Ledger.Debit(authorHex, cost)
	switch {
	case errors.Is(debitErr, ledger.ErrInsufficientFunds):
		reply := fmt.Sprintf("insufficient balance, required: %d", cost)
		p.persistAndPublishSystem(ctx, ev, authorHex, sessionID, reply, isDM, saveRes.TimestampMs)
		return nil
	case errors.Is(debitErr, ledger.ErrDebitRace):
		p.persistAndPublishSystem(ctx, ev, authorHex, sessionID, "a transient accounting error occurred, please retry", isDM, saveRes.TimestampMs)
		return nil
	case debitErr != nil:
		return fmt.Errorf("debit: %w", debitErr)
	}

	var history []*conversation.Message
	if sessionID != "" {
		history, err = p.cfg.Conversation.HistoryBySession(authorHex, sessionID, p.cfg.HistoryLimit)
	} else {
		history, err = p.cfg.Conversation.HistoryByUser(authorHex, p.cfg.HistoryLimit)
	}
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) > 40 {
		history = history[len(history)-40:]
	}
	turns := oracle.TurnsFromHistory(history)
	if sessionID != "" {
		if sess, serr := p.cfg.Conversation.GetSession(authorHex, sessionID); serr == nil && sess != nil {
			if summary := sess.Metadata[conversation.SessionMetadataKey]; summary != "" {
				turns = append([]oracle.Turn{{Role: "assistant", Text: "memory summary: " + summary}}, turns...)
			}
		}
	}

	var memorySummary string
	oracleCtx, cancel := context.WithTimeout(ctx, p.cfg.OracleTimeout)
	replyText, oerr := p.cfg.Breaker.Call(oracleCtx, func(c context.Context) (string, error) {
		reply, summary, gerr := p.cfg.Oracle.Generate(c, oracle.Request{
			UserKey: authorHex,
			History: turns,
			Prompt:  plaintext,
		})
		memorySummary = summary
		return reply, gerr
	})
	cancel()
	if oerr != nil {
		log.W.F("oracle call failed, using fallback: %v", oerr)
		replyText, _, _ = p.cfg.Fallback.Generate(ctx, oracle.Request{UserKey: authorHex, Prompt: plaintext})
	} else if memorySummary != "" && sessionID != "" {
		if uerr := p.cfg.Conversation.UpdateSessionMetadata(authorHex, sessionID, map[string]string{
			conversation.SessionMetadataKey: memorySummary,
		}); uerr != nil {
			log.D.F("persist memory summary: %v", uerr)
		}
	}
	replyText = fmt.Sprintf("%s\n\nbalance: %d (charged %d)", replyText, newBalance, cost)

	select {
	case <-time.After(p.cfg.ResponseDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	replyEvent, err := p.buildReply(ev, authorHex, sessionID, replyText, isDM)
	if err != nil {
		return fmt.Errorf("build reply: %w", err)
	}
	if _, err = p.cfg.Publishes.PublishAll(ctx, replyEvent); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}

	_, err = p.cfg.Conversation.SaveMessage(authorHex, replyText, conversation.BotTurn, p.cfg.Clock.Now(), conversation.SaveOpts{
		RequestedSessionID: sessionID,
		Origin:             originFor(isDM),
		TimestampMs:        replyTimestampMs(p.cfg.Clock.Now(), saveRes.TimestampMs),
		ReplyTo:            saveRes.MessageID,
		SourceEventID:      replyEvent.IdString(),
		SourceEventKind:    replyEvent.Kind.Int32(),
	})
	if err != nil {
		return fmt.Errorf("persist bot message: %w", err)
	}

	if isDM {
		p.publishBalanceSnapshot(ctx, authorHex, newBalance)
	}
	return nil
}

func originFor(isDM bool) conversation.Origin {
	if isDM {
		return conversation.OriginDM
	}
	return conversation.OriginPublic
}

func (p *P) extractPlaintext(ev *event.E, isDM bool) (string, error) {
	switch {
	case isDM:
		pt, err := p.cfg.Sign.Decrypt(ev.Pubkey, ev.ContentString())
		if err != nil {
			return "", fmt.Errorf("decrypt: %w", err)
		}
		return string(pt), nil
	case ev.Kind == kind.PublicNote:
		return ev.ContentString(), nil
	default:
		return "", fmt.Errorf("unsupported kind for processing: %s", ev.Kind)
	}
}

// replyTimestampMs keeps a reply's history key strictly after the user turn
// it answers (saved at afterMs), even when the clock has not moved since.
func replyTimestampMs(now time.Time, afterMs int64) int64 {
	if ms := now.UnixMilli(); ms > afterMs {
		return ms
	}
	return afterMs + 1
}

func (p *P) persistAndPublishSystem(ctx context.Context, origin *event.E, authorHex, sessionID, text string, isDM bool, afterMs int64) {
	replyEvent, err := p.buildReply(origin, authorHex, sessionID, text, isDM)
	if err == nil {
		if _, perr := p.cfg.Publishes.PublishAll(ctx, replyEvent); perr != nil {
			log.D.F("publish system reply: %v", perr)
		}
	}
	eventID := ""
	if replyEvent != nil {
		eventID = replyEvent.IdString()
	}
	_, serr := p.cfg.Conversation.SaveMessage(authorHex, text, conversation.SystemTurn, p.cfg.Clock.Now(), conversation.SaveOpts{
		RequestedSessionID: sessionID,
		Origin:             originFor(isDM),
		TimestampMs:        replyTimestampMs(p.cfg.Clock.Now(), afterMs),
		SourceEventID:      eventID,
	})
	if serr != nil {
		log.E.F("persist system reply: %v", serr)
	}
}

// buildReply signs a response event: an encrypted DM when isDM, or a public
// reply note otherwise, per SPEC_FULL.md §6's produced-kinds table.
func (p *P) buildReply(origin *event.E, authorHex, sessionID, text string, isDM bool) (*event.E, error) {
	ev := event.New()
	ev.CreatedAt = p.cfg.Clock.Now().Unix()

	if isDM {
		ciphertext, err := p.cfg.Sign.Encrypt(origin.Pubkey, []byte(text))
		if err != nil {
			return nil, fmt.Errorf("encrypt reply: %w", err)
		}
		ev.Kind = kind.DirectMessage
		ev.Content = []byte(ciphertext)
		tags := tag.List{tag.New("p", authorHex)}
		if sessionID != "" {
			tags = append(tags, tag.New("session", sessionID))
		}
		ev.Tags = tags
	} else {
		ev.Kind = kind.PublicNote
		ev.Content = []byte(text)
		ev.Tags = tag.List{
			tag.New("e", origin.IdString(), "", "reply"),
			tag.New("p", authorHex),
		}
	}
	if err := ev.Sign(p.cfg.Sign); err != nil {
		return nil, fmt.Errorf("sign reply: %w", err)
	}
	return ev, nil
}

// sendDMErrorNotice is the best-effort notice sent for a DM whose
// processing failed after the user's message was already persisted
// (SPEC_FULL.md §4.7, last paragraph). Failures here are logged, not
// propagated — the caller's real error is what drives the Work Queue retry.
func (p *P) sendDMErrorNotice(ctx context.Context, origin *event.E, authorHex string) {
	ev, err := p.buildReply(origin, authorHex, "", "an error occurred processing your message, it will be retried", true)
	if err != nil {
		log.D.F("build dm error notice: %v", err)
		return
	}
	if _, err = p.cfg.Publishes.PublishAll(ctx, ev); err != nil {
		log.D.F("publish dm error notice: %v", err)
	}
}

func (p *P) publishBalanceSnapshot(ctx context.Context, userKeyHex string, balance int64) {
	ev := event.New()
	ev.Kind = kind.BalanceResponse
	ev.CreatedAt = p.cfg.Clock.Now().Unix()
	ev.Content = []byte(fmt.Sprintf(`{"balance":%d,"currency":"units","timestamp":%d}`, balance, p.cfg.Clock.Now().UnixMilli()))
	ev.Tags = tag.List{
		tag.New("p", userKeyHex),
		tag.New("balance", fmt.Sprintf("%d", balance)),
	}
	if err := ev.Sign(p.cfg.Sign); err != nil {
		log.E.F("sign balance snapshot: %v", err)
		return
	}
	if _, err := p.cfg.Publishes.PublishAll(ctx, ev); err != nil {
		log.D.F("publish balance snapshot: %v", err)
	}
}
