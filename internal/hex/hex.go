// Package hex provides the short Enc/Dec helpers zapgate uses everywhere it
// needs to move between binary keys/ids and their hex string form, backed by
// github.com/templexxx/xhex's SIMD-accelerated codec (a drop-in, faster
// encoding/hex used by the teacher's event/key paths).
package hex

import "github.com/templexxx/xhex"

// Enc encodes b as a lowercase hex string.
func Enc(b []byte) string {
	dst := make([]byte, xhex.EncodedLen(len(b)))
	xhex.Encode(dst, b)
	return string(dst)
}

// Dec decodes a hex string into bytes.
func Dec(s string) (b []byte, err error) {
	dst := make([]byte, xhex.DecodedLen(len(s)))
	if err = xhex.Decode(dst, []byte(s)); err != nil {
		return nil, err
	}
	return dst, nil
}
