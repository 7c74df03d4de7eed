package core

import (
	"CoverLedger/internal/state"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SnapshotState is the full in-memory ledger state, as persisted.
type SnapshotState struct {
	Sequence  int64 // last assigned sequence, 0 if none
	StateHash [32]byte
	Policies  []state.Policy
	Claims    []state.Claim
	Totals    []state.AssetTotals
	Managers  []uuid.UUID
	// Composite request keys, oldest first
	RequestKeys []string
}

var ErrLedgerNotEmpty = errors.New("core: restore requires an empty ledger")

// CreateSnapshotState captures the current in-memory state.
func (l *Ledger) CreateSnapshotState() *SnapshotState {
	keys := l.idempotency.Keys()
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return &SnapshotState{
		Sequence:    l.sequence - 1,
		StateHash:   l.hasher.GetPrevHash(),
		Policies:    l.policies.All(),
		Claims:      l.claims.All(),
		Totals:      l.treasury.All(),
		Managers:    l.roles.Managers(),
		RequestKeys: keys,
	}
}

// RestoreFromSnapshot loads persisted state into a freshly built ledger.
// A zero StateHash means nothing was ever committed and keeps the genesis tip.
func (l *Ledger) RestoreFromSnapshot(snap *SnapshotState) error {
	if l.policies.Len() > 0 || l.claims.Len() > 0 || l.sequence != 1 {
		return ErrLedgerNotEmpty
	}

	for _, p := range snap.Policies {
		l.policies.Restore(p)
	}
	for _, c := range snap.Claims {
		if l.policies.Get(c.PolicyID) == nil {
			return fmt.Errorf("restore claim %d: %w: %d", c.ID, ErrPolicyNotFound, c.PolicyID)
		}
		l.claims.Restore(c)
	}
	for _, t := range snap.Totals {
		l.treasury.Restore(t)
	}
	for _, m := range snap.Managers {
		if l.roles.IsOwner(m) {
			continue
		}
		if err := l.roles.Add(m); err != nil {
			return fmt.Errorf("restore manager %s: %w", m, err)
		}
	}

	l.sequence = snap.Sequence + 1
	if snap.StateHash != ([32]byte{}) {
		l.hasher.SetPrevHash(snap.StateHash)
	}
	l.idempotency.Warm(snap.RequestKeys)
	return nil
}
