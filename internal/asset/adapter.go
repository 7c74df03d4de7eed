// Package asset moves value between parties for the ledger.
//
// The ledger never touches balances directly. It asks an Adapter to move value
// of a given asset in or out of custody and only observes success or failure.
// Adapters are synchronous and never retry.
package asset

import (
	"context"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Adapter is the capability the ledger needs from the asset layer.
//
// TransferOut moves amount from custody to the recipient. PullIn moves amount
// from a party into custody; for tokens it spends the allowance the party
// granted to custody. Allowance is only meaningful for tokens.
type Adapter interface {
	TransferOut(ctx context.Context, ref Ref, to uuid.UUID, amount *uint256.Int) error
	PullIn(ctx context.Context, ref Ref, from uuid.UUID, amount *uint256.Int) error
	Allowance(ctx context.Context, ref Ref, owner, spender uuid.UUID) (*uint256.Int, error)
	Balance(ctx context.Context, ref Ref, party uuid.UUID) (*uint256.Int, error)
}

// Journal is implemented by adapters whose balances are persisted alongside
// the ledger's outputs. TakeChanges returns every balance and allowance
// modified since the last call, at its current value.
type Journal interface {
	TakeChanges() ([]Holding, []Grant)
}
