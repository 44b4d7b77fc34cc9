// Package filter encodes a relay subscription filter: the set of kinds,
// authors, tags and time bounds a REQ asks a relay to stream, mirroring the
// teacher's encoders/filter package trimmed to what a client subscribing
// (never storing/matching server-side) needs.
package filter

import (
	"encoding/json"

	"zapgate.dev/internal/hex"
	"zapgate.dev/internal/nostr/kind"
)

// F is a single subscription filter.
type F struct {
	Kinds   []kind.T
	Authors [][]byte
	Tags    map[string][]string // e.g. "#p" -> [pubkey...]
	Since   int64
	Limit   int
}

// New builds a filter for the watched kinds, addressed to self, since a
// given unix timestamp, per SPEC_FULL.md §4.1.
func New(kinds []kind.T, selfPub []byte, since int64) *F {
	f := &F{Kinds: kinds, Since: since}
	if len(selfPub) > 0 {
		f.Tags = map[string][]string{"#p": {hex.Enc(selfPub)}}
	}
	return f
}

type wire struct {
	Kinds   []int32             `json:"kinds,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Since   *int64              `json:"since,omitempty"`
	Limit   *int                `json:"limit,omitempty"`
	Tags    map[string][]string `json:"-"`
}

// MarshalJSON renders the filter as relay-wire JSON, inlining "#x" tag
// filters alongside the standard fields the way NIP-01 REQ filters do.
func (f *F) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	if len(f.Kinds) > 0 {
		ks := make([]int32, len(f.Kinds))
		for i, k := range f.Kinds {
			ks[i] = k.Int32()
		}
		m["kinds"] = ks
	}
	if len(f.Authors) > 0 {
		as := make([]string, len(f.Authors))
		for i, a := range f.Authors {
			as[i] = hex.Enc(a)
		}
		m["authors"] = as
	}
	if f.Since != 0 {
		m["since"] = f.Since
	}
	if f.Limit != 0 {
		m["limit"] = f.Limit
	}
	for k, v := range f.Tags {
		m[k] = v
	}
	return json.Marshal(m)
}
