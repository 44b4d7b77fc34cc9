// Package ledger is the per-user integer balance and payment-receipt
// idempotency table, built on internal/store, grounded on the teacher's
// pkg/database/subscriptions.go pattern (a badger key per entity, msgpack
// encoded) generalized from subscription expiry dates to balances and
// applied-receipt markers.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"zapgate.dev/internal/store"
)

// ErrInsufficientFunds is returned by Debit when balance < amount.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrDebitRace is returned by Debit when a concurrent writer won the race
// after all retries were exhausted.
var ErrDebitRace = errors.New("debit lost the race to a concurrent writer")

// ErrReceiptAlreadyApplied is returned by ApplyReceipt for a receipt event
// id seen before.
var ErrReceiptAlreadyApplied = errors.New("receipt already applied")

const maxCASRetries = 8

type balanceRecord struct {
	Amount int64 `msgpack:"amount"`
}

type receiptRecord struct {
	AmountUnits    int64     `msgpack:"amount_units"`
	SenderKey      string    `msgpack:"sender_key"`
	RequestEventID string    `msgpack:"request_event_id"`
	AppliedAt      time.Time `msgpack:"applied_at"`
}

// L is the ledger.
type L struct {
	s *store.S
}

// New wraps a store as a ledger.
func New(s *store.S) *L { return &L{s: s} }

func balanceKey(userKey string) []byte { return []byte("balance:" + userKey) }
func receiptKey(receiptEventID string) []byte { return []byte("receipt:" + receiptEventID) }

// Get returns a user's balance, 0 if they have never been credited.
func (l *L) Get(userKey string) (int64, error) {
	v, err := l.s.Get(balanceKey(userKey))
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	var rec balanceRecord
	if err = msgpack.Unmarshal(v, &rec); err != nil {
		return 0, err
	}
	return rec.Amount, nil
}

// Credit adds amount to a user's balance atomically.
func (l *L) Credit(userKey string, amount int64) (newBalance int64, err error) {
	return l.casAdjust(userKey, amount, false)
}

// Debit subtracts amount from a user's balance atomically, never allowing
// the balance to go negative. Returns ErrInsufficientFunds without mutating
// state when the balance is too low, and ErrDebitRace if a concurrent
// writer could not be reconciled within the retry budget.
func (l *L) Debit(userKey string, amount int64) (newBalance int64, err error) {
	return l.casAdjust(userKey, amount, true)
}

func (l *L) casAdjust(userKey string, amount int64, isDebit bool) (newBalance int64, err error) {
	key := balanceKey(userKey)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		txn := l.s.NewTransaction(true)
		item, gerr := txn.Get(key)
		var cur int64
		switch {
		case errors.Is(gerr, badger.ErrKeyNotFound):
			cur = 0
		case gerr != nil:
			txn.Discard()
			return 0, gerr
		default:
			var rec balanceRecord
			if verr := item.Value(func(v []byte) error { return msgpack.Unmarshal(v, &rec) }); verr != nil {
				txn.Discard()
				return 0, verr
			}
			cur = rec.Amount
		}

		if isDebit && cur < amount {
			txn.Discard()
			return cur, ErrInsufficientFunds
		}

		var next int64
		if isDebit {
			next = cur - amount
		} else {
			next = cur + amount
		}
		b, merr := msgpack.Marshal(balanceRecord{Amount: next})
		if merr != nil {
			txn.Discard()
			return 0, merr
		}
		if serr := txn.Set(key, b); serr != nil {
			txn.Discard()
			return 0, serr
		}
		cerr := txn.Commit()
		if cerr == nil {
			return next, nil
		}
		if !errors.Is(cerr, badger.ErrConflict) {
			return 0, cerr
		}
		// lost the race to a concurrent writer for the same user key; retry
	}
	if isDebit {
		return 0, ErrDebitRace
	}
	return 0, fmt.Errorf("credit: exhausted retries under contention")
}

// ApplyReceipt credits senderKey with amountUnits, keyed for idempotency by
// receiptEventID: replaying the same receipt event is a no-op that returns
// ErrReceiptAlreadyApplied. The balance update and the receipt marker are
// written in the same badger transaction so a crash between them can never
// produce a double credit or a silently-dropped marker.
func (l *L) ApplyReceipt(receiptEventID, requestEventID, senderKey string, amountUnits int64, now time.Time) (newBalance int64, err error) {
	rkey := receiptKey(receiptEventID)
	bkey := balanceKey(senderKey)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		txn := l.s.NewTransaction(true)

		if _, gerr := txn.Get(rkey); gerr == nil {
			txn.Discard()
			return 0, ErrReceiptAlreadyApplied
		} else if !errors.Is(gerr, badger.ErrKeyNotFound) {
			txn.Discard()
			return 0, gerr
		}

		var cur int64
		item, gerr := txn.Get(bkey)
		switch {
		case errors.Is(gerr, badger.ErrKeyNotFound):
			cur = 0
		case gerr != nil:
			txn.Discard()
			return 0, gerr
		default:
			var rec balanceRecord
			if verr := item.Value(func(v []byte) error { return msgpack.Unmarshal(v, &rec) }); verr != nil {
				txn.Discard()
				return 0, verr
			}
			cur = rec.Amount
		}

		next := cur + amountUnits
		bb, merr := msgpack.Marshal(balanceRecord{Amount: next})
		if merr != nil {
			txn.Discard()
			return 0, merr
		}
		if serr := txn.Set(bkey, bb); serr != nil {
			txn.Discard()
			return 0, serr
		}

		rec := receiptRecord{
			AmountUnits:    amountUnits,
			SenderKey:      senderKey,
			RequestEventID: requestEventID,
			AppliedAt:      now,
		}
		rb, merr := msgpack.Marshal(rec)
		if merr != nil {
			txn.Discard()
			return 0, merr
		}
		if serr := txn.Set(rkey, rb); serr != nil {
			txn.Discard()
			return 0, serr
		}

		cerr := txn.Commit()
		if cerr == nil {
			return next, nil
		}
		if !errors.Is(cerr, badger.ErrConflict) {
			return 0, cerr
		}
		// lost the race; retry
	}
	return 0, fmt.Errorf("apply receipt: exhausted retries under contention")
}
