// Package event is a codec for relay events: the wire JSON form (with Id and
// Sig), the canonical form used to compute Id, and signing/verification.
// Trimmed from the teacher's event.E (no binary wire codec: the gateway is a
// relay client, not a storage-backed relay, so it only ever needs JSON in
// and JSON out).
package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/minio/sha256-simd"

	"zapgate.dev/internal/hex"
	"zapgate.dev/internal/nostr/kind"
	"zapgate.dev/internal/nostr/tag"
	"zapgate.dev/internal/signer"
)

// E is the protocol's unit: an addressed, signed, content-hashed message.
type E struct {
	Id        []byte
	Pubkey    []byte
	CreatedAt int64
	Kind      kind.T
	Tags      tag.List
	Content   []byte
	Sig       []byte
}

// New returns an empty event ready for field assignment.
func New() *E { return &E{} }

// IdString returns the event Id as a hex string.
func (e *E) IdString() string { return hex.Enc(e.Id) }

// PubkeyString returns the author's public key as a hex string.
func (e *E) PubkeyString() string { return hex.Enc(e.Pubkey) }

// ContentString returns Content decoded as a plain string.
func (e *E) ContentString() string { return string(e.Content) }

// wire is the JSON-on-the-wire shape.
type wire struct {
	Id        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int32      `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// canonicalForm renders the NIP-01 array used to compute the event Id:
// [0, pubkey, created_at, kind, tags, content].
func (e *E) canonicalForm() ([]byte, error) {
	arr := []any{
		0,
		e.PubkeyString(),
		e.CreatedAt,
		e.Kind.Int32(),
		e.Tags.ToStringsSlice(),
		e.ContentString(),
	}
	return json.Marshal(arr)
}

// ComputeId recomputes and sets e.Id from the canonical form.
func (e *E) ComputeId() (err error) {
	var canon []byte
	if canon, err = e.canonicalForm(); err != nil {
		return err
	}
	h := sha256.Sum256(canon)
	e.Id = h[:]
	return nil
}

// Sign computes the Id and signs it with sign, setting Pubkey, Id, and Sig.
func (e *E) Sign(sign signer.I) (err error) {
	e.Pubkey = sign.Pub()
	if e.Tags == nil {
		e.Tags = tag.List{}
	}
	if err = e.ComputeId(); err != nil {
		return err
	}
	if e.Sig, err = sign.Sign(e.Id); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	return nil
}

// Verify checks that Id matches the canonical form and Sig is valid for
// Pubkey.
func (e *E) Verify(sign signer.I) (bool, error) {
	var canon []byte
	var err error
	if canon, err = e.canonicalForm(); err != nil {
		return false, err
	}
	h := sha256.Sum256(canon)
	if !bytes.Equal(h[:], e.Id) {
		return false, fmt.Errorf("id mismatch: computed %x, have %x", h, e.Id)
	}
	return sign.Verify(e.Pubkey, e.Id, e.Sig)
}

// Marshal renders e as minified wire JSON.
func (e *E) Marshal() ([]byte, error) {
	w := wire{
		Id:        e.IdString(),
		Pubkey:    e.PubkeyString(),
		CreatedAt: e.CreatedAt,
		Kind:      e.Kind.Int32(),
		Tags:      e.Tags.ToStringsSlice(),
		Content:   e.ContentString(),
		Sig:       hex.Enc(e.Sig),
	}
	return json.Marshal(w)
}

// Unmarshal parses wire JSON into e.
func (e *E) Unmarshal(b []byte) (err error) {
	var w wire
	if err = json.Unmarshal(b, &w); err != nil {
		return err
	}
	if e.Id, err = hex.Dec(w.Id); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	if e.Pubkey, err = hex.Dec(w.Pubkey); err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}
	if w.Sig != "" {
		if e.Sig, err = hex.Dec(w.Sig); err != nil {
			return fmt.Errorf("decode sig: %w", err)
		}
	}
	e.CreatedAt = w.CreatedAt
	e.Kind = kind.FromInt32(w.Kind)
	e.Tags = tag.FromStringsSlice(w.Tags)
	e.Content = []byte(w.Content)
	return nil
}
