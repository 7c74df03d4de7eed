// Package fault defines the ledger's failure taxonomy.
//
// Every failure the ledger can return is a distinct *Error value tagged with a
// Kind. Callers match an exact condition with errors.Is and a whole class of
// conditions with KindOf.
package fault

import "errors"

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindState
	KindInsufficientFunds
	KindTransfer
	KindArithmetic
	KindReentrancy
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindTransfer:
		return "transfer"
	case KindArithmetic:
		return "arithmetic"
	case KindReentrancy:
		return "reentrancy"
	default:
		return "unknown"
	}
}

// Error is a named failure condition.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

// New declares a failure condition. Code is a stable snake_case identifier
// that transport layers can hand to clients.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func (e *Error) Error() string {
	return e.Msg
}

// KindOf returns the kind of the first *Error found in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first *Error found in err's chain, or
// "internal" when err carries no named condition.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return "internal"
}
