package core

import (
	"CoverLedger/internal/asset"
	"CoverLedger/internal/state"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Read-only accessors. They return copies and never take the guard, so an
// adapter callback may still read state during a transfer.

func (l *Ledger) Policy(id uint64) (state.Policy, error) {
	p := l.policies.Get(id)
	if p == nil {
		return state.Policy{}, fmt.Errorf("%w: %d", ErrPolicyNotFound, id)
	}
	return *p, nil
}

func (l *Ledger) Claim(id uint64) (state.Claim, error) {
	c := l.claims.Get(id)
	if c == nil {
		return state.Claim{}, fmt.Errorf("%w: %d", ErrClaimNotFound, id)
	}
	return *c, nil
}

// PoliciesOf returns the party's policy ids in creation order.
func (l *Ledger) PoliciesOf(party uuid.UUID) []uint64 {
	return l.policies.ByHolder(party)
}

// ClaimsOf returns the party's claim ids in filing order.
func (l *Ledger) ClaimsOf(party uuid.UUID) []uint64 {
	return l.claims.ByClaimant(party)
}

// IsExpired reports whether the policy's window has passed at the ledger
// clock. Expiry is derived and never changes the stored status.
func (l *Ledger) IsExpired(id uint64) (bool, error) {
	p := l.policies.Get(id)
	if p == nil {
		return false, fmt.Errorf("%w: %d", ErrPolicyNotFound, id)
	}
	return p.Expired(l.nowFn().Unix()), nil
}

// Totals returns the per-asset counters.
func (l *Ledger) Totals(ref asset.Ref) (state.AssetTotals, error) {
	ref, err := normalizeAsset(ref)
	if err != nil {
		return state.AssetTotals{}, err
	}
	return l.treasury.Totals(ref), nil
}

// AllTotals returns counters for every asset ever touched.
func (l *Ledger) AllTotals() []state.AssetTotals {
	return l.treasury.All()
}

// CustodyBalance returns the custodied balance of one asset. Manager or
// owner only.
func (l *Ledger) CustodyBalance(ctx context.Context, caller uuid.UUID, ref asset.Ref) (*uint256.Int, error) {
	if err := l.roles.RequireManager(caller); err != nil {
		return nil, err
	}
	ref, err := normalizeAsset(ref)
	if err != nil {
		return nil, err
	}
	return l.custodyBalance(ctx, ref)
}

func (l *Ledger) IsManager(party uuid.UUID) bool {
	return l.roles.IsManager(party)
}

func (l *Ledger) Owner() uuid.UUID {
	return l.roles.Owner()
}

// Managers lists explicitly added managers; the owner is implicit.
func (l *Ledger) Managers() []uuid.UUID {
	return l.roles.Managers()
}

// Custody is the party that holds the ledger's funds.
func (l *Ledger) Custody() uuid.UUID {
	return l.custody
}

// GetSequence returns the next sequence to be assigned.
func (l *Ledger) GetSequence() int64 {
	return l.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (l *Ledger) GetStateHash() [32]byte {
	return l.hasher.GetPrevHash()
}
