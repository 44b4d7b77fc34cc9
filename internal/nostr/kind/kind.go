// Package kind enumerates the relay event kinds zapgate consumes and
// produces, replacing the string-typed/scattered-branch style the original
// distillation implied with an exhaustive, typed enum (per SPEC_FULL.md §9
// redesign notes).
package kind

// T is a relay event kind.
type T uint16

const (
	// Unknown is the first-class "ignore" arm for any kind the gateway does
	// not watch.
	Unknown T = 0

	// PublicNote is a plaintext broadcast note (kind 1).
	PublicNote T = 1

	// DirectMessage is an encrypted message addressed to a single
	// recipient (kind 4).
	DirectMessage T = 4

	// BalanceRequest/BalanceResponse share kind 1006: a request carries no
	// special tags, a response carries a "balance" tag.
	BalanceRequest  T = 1006
	BalanceResponse T = 1006

	// PaymentReceipt attests that a micropayment invoice was paid (kind
	// 9735, the zap-receipt kind).
	PaymentReceipt T = 9735
)

// Watched is the set of kinds the Relay Supervisor subscribes for.
var Watched = []T{DirectMessage, PublicNote, PaymentReceipt, BalanceRequest}

// String names a kind for logging.
func (k T) String() string {
	switch k {
	case PublicNote:
		return "public_note"
	case DirectMessage:
		return "direct_message"
	case BalanceRequest:
		return "balance_request_or_response"
	case PaymentReceipt:
		return "payment_receipt"
	default:
		return "unknown"
	}
}

// Int32 returns the kind as an int32, the form relay wire JSON uses.
func (k T) Int32() int32 { return int32(k) }

// FromInt32 converts a wire-format integer into a T.
func FromInt32(i int32) T { return T(uint16(i)) }
