package asset

import (
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes the native value asset from fungible tokens.
type Kind uint8

const (
	KindNative Kind = iota
	KindToken
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindToken:
		return "token"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownKind     = errors.New("asset: unknown kind")
	ErrMissingToken    = errors.New("asset: token id required for token kind")
	ErrUnexpectedToken = errors.New("asset: native kind must not carry a token id")
	ErrBadTokenID      = errors.New("asset: malformed token id")
)

const maxTokenIDLen = 32

// Ref identifies one custodied asset: the native asset, or a single token.
// TokenID is present iff Kind is KindToken.
type Ref struct {
	Kind    Kind   `json:"kind"`
	TokenID string `json:"token_id,omitempty"`
}

// Native returns the reference to the native asset.
func Native() Ref {
	return Ref{Kind: KindNative}
}

// Token returns a normalised reference to the token with the given id.
func Token(id string) (Ref, error) {
	r := Ref{Kind: KindToken, TokenID: id}
	return r.Normalize()
}

// Normalize validates r and returns it with an upper-cased, trimmed token id.
func (r Ref) Normalize() (Ref, error) {
	switch r.Kind {
	case KindNative:
		if strings.TrimSpace(r.TokenID) != "" {
			return Ref{}, ErrUnexpectedToken
		}
		return Ref{Kind: KindNative}, nil
	case KindToken:
		id := strings.ToUpper(strings.TrimSpace(r.TokenID))
		if id == "" {
			return Ref{}, ErrMissingToken
		}
		if len(id) > maxTokenIDLen || strings.ContainsAny(id, ": \t\n") {
			return Ref{}, fmt.Errorf("%w: %q", ErrBadTokenID, r.TokenID)
		}
		return Ref{Kind: KindToken, TokenID: id}, nil
	default:
		return Ref{}, fmt.Errorf("%w: %d", ErrUnknownKind, r.Kind)
	}
}

// IsNative reports whether r is the native asset.
func (r Ref) IsNative() bool {
	return r.Kind == KindNative
}

// Key is the canonical string identity used for counters and storage:
// "native" or "token:<ID>".
func (r Ref) Key() string {
	if r.Kind == KindNative {
		return "native"
	}
	return "token:" + r.TokenID
}

func (r Ref) String() string {
	return r.Key()
}

// ParseRef is the inverse of Key.
func ParseRef(key string) (Ref, error) {
	if key == "native" {
		return Native(), nil
	}
	if id, ok := strings.CutPrefix(key, "token:"); ok {
		return Token(id)
	}
	return Ref{}, fmt.Errorf("%w: %q", ErrUnknownKind, key)
}
