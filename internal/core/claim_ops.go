package core

import (
	"CoverLedger/internal/event"
	"CoverLedger/internal/state"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// FileClaim records a Pending claim against one of caller's policies. No
// funds move.
func (l *Ledger) FileClaim(ctx context.Context, caller uuid.UUID, policyID uint64, amount *uint256.Int) (id uint64, err error) {
	o, release, err := l.begin(ctx, OpFileClaim, caller)
	if err != nil {
		return 0, err
	}
	defer release()
	defer func() { l.finish(o, err) }()

	if err := l.checkCaller(caller); err != nil {
		return 0, err
	}
	if isZero(amount) {
		return 0, ErrInvalidAmount
	}
	p, err := l.holderPolicy(caller, policyID)
	if err != nil {
		return 0, err
	}
	if p.Status != state.PolicyActive {
		return 0, fmt.Errorf("%w: policy %d is %s", ErrPolicyNotActive, p.ID, p.Status)
	}
	if p.Expired(o.now) {
		return 0, fmt.Errorf("%w: policy %d ended at %d", ErrPolicyExpired, p.ID, p.EndTime)
	}
	if amount.Gt(&p.InsuredAmount) {
		return 0, fmt.Errorf("%w: claim=%s, insured=%s", ErrClaimExceedsCoverage, amount.Dec(), p.InsuredAmount.Dec())
	}

	c := &state.Claim{
		PolicyID: p.ID,
		Claimant: caller,
		FiledAt:  o.now,
		Status:   state.ClaimPending,
	}
	c.Amount.Set(amount)
	id = l.claims.Insert(c)
	o.onRollback(func() { l.claims.Remove(id) })
	o.touchClaim(id)

	o.notification = &event.ClaimFiled{
		ClaimID:  id,
		PolicyID: p.ID,
		Claimant: caller,
		Amount:   amount.Dec(),
	}

	if l.metrics != nil {
		l.metrics.ClaimsFiled.Inc()
	}
	return id, nil
}

// ProcessClaim settles a Pending claim. Rejection only marks the claim.
// Approval marks the claim Approved and its policy Claimed, then pays the
// claimant from custody; any failure leaves the claim Pending so the call can
// be retried.
func (l *Ledger) ProcessClaim(ctx context.Context, caller uuid.UUID, claimID uint64, approve bool) (err error) {
	o, release, err := l.begin(ctx, OpProcessClaim, caller)
	if err != nil {
		return err
	}
	defer release()
	defer func() { l.finish(o, err) }()

	if caller == l.custody {
		return ErrCallerIsCustody
	}
	if err := l.roles.RequireManager(caller); err != nil {
		return err
	}
	c := l.claims.Get(claimID)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrClaimNotFound, claimID)
	}
	if c.Status != state.ClaimPending {
		return fmt.Errorf("%w: claim %d is %s", ErrAlreadyProcessed, c.ID, c.Status)
	}
	p := l.policies.Get(c.PolicyID)
	if p == nil {
		panic(fmt.Sprintf("FATAL: claim %d references missing policy %d", c.ID, c.PolicyID))
	}

	notification := &event.ClaimProcessed{
		ClaimID:   c.ID,
		PolicyID:  p.ID,
		Claimant:  c.Claimant,
		Approved:  approve,
		Amount:    c.Amount.Dec(),
		Processor: caller,
		Asset:     p.Asset,
	}

	if !approve {
		c.Status = state.ClaimRejected
		o.onRollback(func() { c.Status = state.ClaimPending })
		o.touchClaim(c.ID)
		o.notification = notification
		l.countProcessed("rejected")
		return nil
	}

	if !p.Status.CanTransitionTo(state.PolicyClaimed) {
		return fmt.Errorf("%w: policy %d is %s", ErrPolicyNotActive, p.ID, p.Status)
	}
	amount := c.Amount.Clone()
	if err := l.requireBalance(ctx, p.Asset, amount); err != nil {
		return err
	}

	// effects
	c.Status = state.ClaimApproved
	p.Status = state.PolicyClaimed
	o.onRollback(func() {
		c.Status = state.ClaimPending
		p.Status = state.PolicyActive
	})
	o.touchClaim(c.ID)
	o.touchPolicy(p.ID)

	if err := l.addCounter(o, p.Asset, state.ClaimsPaid, amount); err != nil {
		return err
	}
	o.notification = notification

	// interaction
	if err := l.transferOut(ctx, p.Asset, c.Claimant, amount); err != nil {
		return err
	}
	l.countProcessed("approved")
	return nil
}

func (l *Ledger) countProcessed(outcome string) {
	if l.metrics != nil {
		l.metrics.ClaimsProcessed.WithLabelValues(outcome).Inc()
	}
}
