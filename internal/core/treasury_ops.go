package core

import (
	"CoverLedger/internal/asset"
	"CoverLedger/internal/event"
	"CoverLedger/internal/state"
	"context"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Withdraw sends custodied funds of one asset to recipient. Owner only.
func (l *Ledger) Withdraw(ctx context.Context, caller uuid.UUID, ref asset.Ref, amount *uint256.Int, recipient uuid.UUID) (err error) {
	o, release, err := l.begin(ctx, OpWithdraw, caller)
	if err != nil {
		return err
	}
	defer release()
	defer func() { l.finish(o, err) }()

	if err := l.roles.RequireOwner(caller); err != nil {
		return err
	}
	if isZero(amount) {
		return ErrInvalidAmount
	}
	if recipient == uuid.Nil {
		return ErrZeroIdentity
	}
	if recipient == l.custody {
		return ErrRecipientIsCustody
	}
	ref, err = normalizeAsset(ref)
	if err != nil {
		return err
	}
	if err := l.requireBalance(ctx, ref, amount); err != nil {
		return err
	}

	if err := l.addCounter(o, ref, state.Withdrawn, amount); err != nil {
		return err
	}
	o.notification = &event.TreasuryWithdrawal{
		Asset:     ref,
		Amount:    amount.Dec(),
		Recipient: recipient,
	}

	return l.transferOut(ctx, ref, recipient, amount)
}

// AddManager grants the manager role. Owner only.
func (l *Ledger) AddManager(ctx context.Context, caller, manager uuid.UUID) (err error) {
	o, release, err := l.begin(ctx, OpAddManager, caller)
	if err != nil {
		return err
	}
	defer release()
	defer func() { l.finish(o, err) }()

	if err := l.roles.RequireOwner(caller); err != nil {
		return err
	}
	if err := l.roles.Add(manager); err != nil {
		return err
	}
	o.onRollback(func() { _ = l.roles.Remove(manager) })
	o.roles = append(o.roles, RoleChange{Party: manager, Added: true})
	o.notification = &event.ManagerAdded{Manager: manager}
	return nil
}

// RemoveManager revokes the manager role. Owner only; the owner itself can
// never be removed.
func (l *Ledger) RemoveManager(ctx context.Context, caller, manager uuid.UUID) (err error) {
	o, release, err := l.begin(ctx, OpRemoveManager, caller)
	if err != nil {
		return err
	}
	defer release()
	defer func() { l.finish(o, err) }()

	if err := l.roles.RequireOwner(caller); err != nil {
		return err
	}
	if err := l.roles.Remove(manager); err != nil {
		return err
	}
	o.onRollback(func() { _ = l.roles.Add(manager) })
	o.roles = append(o.roles, RoleChange{Party: manager, Added: false})
	o.notification = &event.ManagerRemoved{Manager: manager}
	return nil
}
