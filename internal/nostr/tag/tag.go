// Package tag provides the event tag (ordered string tuple) and tag-list
// types, mirroring the teacher's tag/tags split but collapsed to what a
// relay client needs: construction, lookup by marker, and JSON round-trip.
package tag

// T is a single tag: an ordered tuple of strings, e.g. ("p", pubkey) or
// ("e", id, relay, marker).
type T []string

// New builds a tag from its fields.
func New(fields ...string) T { return T(fields) }

// Key returns the tag's first field (its name), or "" if empty.
func (t T) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's second field, or "" if absent.
func (t T) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Arg returns field i, or "" if out of range.
func (t T) Arg(i int) string {
	if i < 0 || i >= len(t) {
		return ""
	}
	return t[i]
}

// List is an ordered list of tags.
type List []T

// First returns the first tag whose key matches name, and whether it was found.
func (l List) First(name string) (T, bool) {
	for _, t := range l {
		if t.Key() == name {
			return t, true
		}
	}
	return nil, false
}

// All returns every tag whose key matches name.
func (l List) All(name string) (out List) {
	for _, t := range l {
		if t.Key() == name {
			out = append(out, t)
		}
	}
	return
}

// ToStringsSlice renders the list as [][]string, the wire-JSON shape.
func (l List) ToStringsSlice() [][]string {
	out := make([][]string, len(l))
	for i, t := range l {
		out[i] = append([]string(nil), t...)
	}
	return out
}

// FromStringsSlice builds a List from the wire-JSON [][]string shape.
func FromStringsSlice(ss [][]string) List {
	out := make(List, len(ss))
	for i, s := range ss {
		out[i] = T(append([]string(nil), s...))
	}
	return out
}
