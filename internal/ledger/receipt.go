package ledger

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"zapgate.dev/internal/nostr/event"
)

// bolt11MultiplierSats maps a bolt11 amount multiplier character to the
// number of satoshis one unit of that multiplier represents.
var bolt11MultiplierSats = map[byte]float64{
	'm': 1e5,   // milli-bitcoin
	'u': 1e2,   // micro-bitcoin
	'n': 1e-1,  // nano-bitcoin
	'p': 1e-4,  // pico-bitcoin
}

// parseBolt11Amount extracts the amount-prefix (human-readable part) of a
// bolt11 invoice and returns it in satoshis. Invoices with no amount
// (donation-style) return ok=false.
func parseBolt11Amount(invoice string) (sats int64, ok bool) {
	invoice = strings.ToLower(strings.TrimSpace(invoice))
	if !strings.HasPrefix(invoice, "ln") {
		return 0, false
	}
	sep := strings.LastIndexByte(invoice, '1')
	if sep < 2 {
		return 0, false
	}
	hrp := invoice[2:sep]

	digitsStart := -1
	for i := 0; i < len(hrp); i++ {
		if hrp[i] >= '0' && hrp[i] <= '9' {
			digitsStart = i
			break
		}
	}
	if digitsStart < 0 {
		return 0, false
	}
	digitsEnd := digitsStart
	for digitsEnd < len(hrp) && hrp[digitsEnd] >= '0' && hrp[digitsEnd] <= '9' {
		digitsEnd++
	}
	amount, err := strconv.ParseInt(hrp[digitsStart:digitsEnd], 10, 64)
	if err != nil || amount <= 0 {
		return 0, false
	}
	if digitsEnd == len(hrp) {
		return amount * 100_000_000, true
	}
	mult, ok := bolt11MultiplierSats[hrp[digitsEnd]]
	if !ok {
		return 0, false
	}
	return int64(float64(amount) * mult), true
}

// ErrReceiptUnparsable is returned when a payment_receipt event carries no
// usable amount.
var ErrReceiptUnparsable = errors.New("receipt: no usable amount")

// Receipt is the parsed form of a kind payment_receipt event
// (SPEC_FULL.md §3, §4.6).
type Receipt struct {
	SenderKey      string
	AmountUnits    int64
	ReceiptEventID string
	RequestEventID string
	BoltInvoice    string
	Description    string
}

// innerRequest is the structure the teacher's payment flows embed in a
// receipt's "description" tag: the original payment request, carrying its
// own author and amount (in millipayment-units) as inner tags.
type innerRequest struct {
	AuthorKey string     `json:"pubkey"`
	EventID   string     `json:"id"`
	Tags      [][]string `json:"tags"`
}

// ParseReceipt extracts a Receipt from a payment_receipt event, per
// SPEC_FULL.md §4.6 steps 1-3. amount resolution order: the inner request's
// "amount" tag (millipayment-units, floor-divided by 1000), falling back to
// the receipt event's own "amount" tag, and finally the bolt11 invoice's own
// amount prefix (satoshis) if neither tag carried a usable value. Returns
// ErrReceiptUnparsable if no usable, nonzero amount is found — callers
// should drop the event silently.
func ParseReceipt(ev *event.E) (*Receipt, error) {
	r := &Receipt{
		ReceiptEventID: ev.IdString(),
		SenderKey:      ev.PubkeyString(),
	}

	if t, ok := ev.Tags.First("bolt11"); ok {
		r.BoltInvoice = t.Value()
	}
	if t, ok := ev.Tags.First("e"); ok {
		r.RequestEventID = t.Value()
	}

	if t, ok := ev.Tags.First("description"); ok {
		r.Description = t.Value()
		var inner innerRequest
		if err := json.Unmarshal([]byte(r.Description), &inner); err == nil {
			if inner.AuthorKey != "" {
				r.SenderKey = inner.AuthorKey
			}
			if inner.EventID != "" {
				r.RequestEventID = inner.EventID
			}
			if amt, ok := tagAmount(inner.Tags); ok {
				r.AmountUnits = amt / 1000
			}
		}
	}

	if r.AmountUnits == 0 {
		if t, ok := ev.Tags.First("amount"); ok {
			if v, err := strconv.ParseInt(strings.TrimSpace(t.Value()), 10, 64); err == nil {
				r.AmountUnits = v / 1000
			}
		}
	}

	if r.AmountUnits == 0 && r.BoltInvoice != "" {
		if sats, ok := parseBolt11Amount(r.BoltInvoice); ok {
			r.AmountUnits = sats
		}
	}

	if r.AmountUnits <= 0 {
		return nil, ErrReceiptUnparsable
	}
	return r, nil
}

func tagAmount(tags [][]string) (int64, bool) {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == "amount" {
			v, err := strconv.ParseInt(strings.TrimSpace(t[1]), 10, 64)
			if err == nil {
				return v, true
			}
		}
	}
	return 0, false
}
