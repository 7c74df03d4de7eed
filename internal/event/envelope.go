package event

import (
	"encoding/json"
	"fmt"
)

// Type discriminator for notification payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypePolicyCreated
	TypePolicyExtended
	TypePolicyCancelled
	TypeClaimFiled
	TypeClaimProcessed
	TypeTreasuryWithdrawal
	TypeManagerAdded
	TypeManagerRemoved
)

func (t Type) String() string {
	switch t {
	case TypePolicyCreated:
		return "PolicyCreated"
	case TypePolicyExtended:
		return "PolicyExtended"
	case TypePolicyCancelled:
		return "PolicyCancelled"
	case TypeClaimFiled:
		return "ClaimFiled"
	case TypeClaimProcessed:
		return "ClaimProcessed"
	case TypeTreasuryWithdrawal:
		return "TreasuryWithdrawal"
	case TypeManagerAdded:
		return "ManagerAdded"
	case TypeManagerRemoved:
		return "ManagerRemoved"
	default:
		return "Unknown"
	}
}

// ParseType is the inverse of String.
func ParseType(s string) (Type, error) {
	for t := TypePolicyCreated; t <= TypeManagerRemoved; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("event: unknown type %q", s)
}

// Notification is implemented by every payload the ledger emits after a
// successful operation.
type Notification interface {
	Type() Type
}

// Envelope wraps every emitted notification in the log
type Envelope struct {
	// Global monotonic sequence assigned by the ledger core
	Sequence int64

	// Caller-supplied request key, empty when the command carried none
	RequestKey string

	Type Type

	// Ledger clock at the time of the operation (unix seconds)
	Timestamp int64

	// JSON-encoded notification
	Payload []byte

	// SHA-256 chain tip AFTER this notification
	StateHash [32]byte

	// Chain tip before this notification
	PrevHash [32]byte
}

// Encode serialises a notification payload.
func Encode(n Notification) ([]byte, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", n.Type(), err)
	}
	return b, nil
}

// Decode parses a payload back into its concrete notification type.
func Decode(t Type, payload []byte) (Notification, error) {
	var n Notification
	switch t {
	case TypePolicyCreated:
		n = &PolicyCreated{}
	case TypePolicyExtended:
		n = &PolicyExtended{}
	case TypePolicyCancelled:
		n = &PolicyCancelled{}
	case TypeClaimFiled:
		n = &ClaimFiled{}
	case TypeClaimProcessed:
		n = &ClaimProcessed{}
	case TypeTreasuryWithdrawal:
		n = &TreasuryWithdrawal{}
	case TypeManagerAdded:
		n = &ManagerAdded{}
	case TypeManagerRemoved:
		n = &ManagerRemoved{}
	default:
		return nil, fmt.Errorf("event: cannot decode type %d", t)
	}
	if err := json.Unmarshal(payload, n); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return n, nil
}
