package ledger

import (
	"errors"
	"strings"
	"testing"

	"zapgate.dev/internal/nostr/event"
	"zapgate.dev/internal/nostr/kind"
	"zapgate.dev/internal/nostr/tag"
	"zapgate.dev/internal/signer"
)

var skReceiptSigner = strings.Repeat("0c", 32)

func newSignedReceipt(t *testing.T, tags tag.List) *event.E {
	t.Helper()
	s, err := signer.NewFromHex(skReceiptSigner)
	if err != nil {
		t.Fatalf("construct signer: %v", err)
	}
	ev := event.New()
	ev.Kind = kind.PaymentReceipt
	ev.CreatedAt = 1700000000
	ev.Tags = tags
	if err = ev.Sign(s); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev
}

func TestParseReceiptPrefersInnerRequestAmount(t *testing.T) {
	description := `{"pubkey":"deadbeefcafe","id":"req-event-1","tags":[["amount","123000"]]}`
	ev := newSignedReceipt(t, tag.List{
		tag.New("bolt11", "lnbc..."),
		tag.New("e", "outer-request-id"),
		tag.New("description", description),
	})

	r, err := ParseReceipt(ev)
	if err != nil {
		t.Fatalf("parse receipt: %v", err)
	}
	if r.SenderKey != "deadbeefcafe" {
		t.Fatalf("expected inner author to win, got %q", r.SenderKey)
	}
	if r.RequestEventID != "req-event-1" {
		t.Fatalf("expected inner event id to win, got %q", r.RequestEventID)
	}
	if r.AmountUnits != 123 {
		t.Fatalf("expected floor-divided amount 123, got %d", r.AmountUnits)
	}
	if r.BoltInvoice != "lnbc..." {
		t.Fatalf("expected bolt11 invoice to be captured")
	}
}

func TestParseReceiptFallsBackToOuterAmountTag(t *testing.T) {
	ev := newSignedReceipt(t, tag.List{
		tag.New("e", "outer-request-id"),
		tag.New("amount", "456000"),
	})

	r, err := ParseReceipt(ev)
	if err != nil {
		t.Fatalf("parse receipt: %v", err)
	}
	if r.AmountUnits != 456 {
		t.Fatalf("expected fallback floor-divided amount 456, got %d", r.AmountUnits)
	}
	if r.SenderKey != ev.PubkeyString() {
		t.Fatalf("expected outer event pubkey as sender when no description present")
	}
}

func TestParseReceiptUnparsableWithNoAmount(t *testing.T) {
	ev := newSignedReceipt(t, tag.List{tag.New("e", "outer-request-id")})
	_, err := ParseReceipt(ev)
	if !errors.Is(err, ErrReceiptUnparsable) {
		t.Fatalf("expected ErrReceiptUnparsable, got %v", err)
	}
}

func TestParseReceiptIgnoresMalformedDescriptionJSON(t *testing.T) {
	ev := newSignedReceipt(t, tag.List{
		tag.New("description", "{not valid json"),
		tag.New("amount", "789000"),
	})
	r, err := ParseReceipt(ev)
	if err != nil {
		t.Fatalf("parse receipt: %v", err)
	}
	if r.AmountUnits != 789 {
		t.Fatalf("expected fallback amount when description is unparsable, got %d", r.AmountUnits)
	}
}
