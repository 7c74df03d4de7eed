package core

import (
	"CoverLedger/internal/asset"
	"CoverLedger/internal/event"
	"CoverLedger/internal/premium"
	"CoverLedger/internal/state"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CreatePolicyRequest carries the inputs of CreatePolicy.
type CreatePolicyRequest struct {
	InsuredAmount *uint256.Int
	DurationDays  uint64
	RiskLevel     uint8
	Data          string
	Asset         asset.Ref

	// Payment is the native value attached to the call, already escrowed in
	// custody by the invocation layer. Must be zero for token policies.
	Payment *uint256.Int
}

// CreatePolicy issues a new Active policy to caller and returns its id.
func (l *Ledger) CreatePolicy(ctx context.Context, caller uuid.UUID, req CreatePolicyRequest) (id uint64, err error) {
	o, release, err := l.begin(ctx, OpCreatePolicy, caller)
	if err != nil {
		return 0, err
	}
	defer release()
	defer func() { l.finish(o, err) }()

	if err := l.checkCaller(caller); err != nil {
		return 0, err
	}
	if isZero(req.InsuredAmount) {
		return 0, ErrInvalidAmount
	}
	if req.DurationDays == 0 {
		return 0, ErrInvalidDuration
	}
	if req.RiskLevel < premium.RiskMin || req.RiskLevel > premium.RiskMax {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidRiskLevel, req.RiskLevel)
	}
	if len(req.Data) > MaxDataLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrDataTooLong, len(req.Data))
	}
	ref, err := normalizeAsset(req.Asset)
	if err != nil {
		return 0, err
	}

	due, err := premium.Calculate(req.InsuredAmount, req.DurationDays, req.RiskLevel)
	if err != nil {
		return 0, err
	}
	span, err := premium.DurationSeconds(o.now, req.DurationDays)
	if err != nil {
		return 0, err
	}
	excess, err := l.checkPayment(ctx, ref, caller, due, req.Payment)
	if err != nil {
		return 0, err
	}

	// effects
	p := &state.Policy{
		Holder:    caller,
		StartTime: o.now,
		EndTime:   o.now + span,
		RiskLevel: req.RiskLevel,
		Data:      req.Data,
		Status:    state.PolicyActive,
		Asset:     ref,
	}
	p.Premium.Set(due)
	p.InsuredAmount.Set(req.InsuredAmount)
	id = l.policies.Insert(p)
	o.onRollback(func() { l.policies.Remove(id) })
	o.touchPolicy(id)

	if err := l.addCounter(o, ref, state.PremiumsCollected, due); err != nil {
		return 0, err
	}

	o.notification = &event.PolicyCreated{
		PolicyID:      id,
		Holder:        caller,
		Premium:       due.Dec(),
		InsuredAmount: req.InsuredAmount.Dec(),
		RiskLevel:     req.RiskLevel,
		StartTime:     p.StartTime,
		EndTime:       p.EndTime,
		Asset:         ref,
	}

	// interaction
	if err := l.settlePayment(ctx, ref, caller, due, excess); err != nil {
		return 0, err
	}

	if l.metrics != nil {
		l.metrics.PoliciesCreated.WithLabelValues(ref.Key()).Inc()
	}
	return id, nil
}

// ExtendPolicy buys additionalDays more cover at the policy's original
// insured amount and risk level. The policy must still be flagged Active;
// a policy past its end time but never cancelled or claimed qualifies.
func (l *Ledger) ExtendPolicy(ctx context.Context, caller uuid.UUID, policyID, additionalDays uint64, payment *uint256.Int) (err error) {
	o, release, err := l.begin(ctx, OpExtendPolicy, caller)
	if err != nil {
		return err
	}
	defer release()
	defer func() { l.finish(o, err) }()

	if err := l.checkCaller(caller); err != nil {
		return err
	}
	if additionalDays == 0 {
		return ErrInvalidDuration
	}
	p, err := l.holderPolicy(caller, policyID)
	if err != nil {
		return err
	}
	if p.Status != state.PolicyActive {
		return fmt.Errorf("%w: policy %d is %s", ErrPolicyNotActive, p.ID, p.Status)
	}

	due, err := premium.Calculate(&p.InsuredAmount, additionalDays, p.RiskLevel)
	if err != nil {
		return err
	}
	span, err := premium.DurationSeconds(p.EndTime, additionalDays)
	if err != nil {
		return err
	}
	total, overflow := new(uint256.Int).AddOverflow(&p.Premium, due)
	if overflow {
		return ErrArithmeticOverflow
	}
	excess, err := l.checkPayment(ctx, p.Asset, caller, due, payment)
	if err != nil {
		return err
	}

	// effects
	prevEnd, prevPremium := p.EndTime, p.Premium
	p.EndTime += span
	p.Premium.Set(total)
	o.onRollback(func() {
		p.EndTime = prevEnd
		p.Premium = prevPremium
	})
	o.touchPolicy(p.ID)

	if err := l.addCounter(o, p.Asset, state.PremiumsCollected, due); err != nil {
		return err
	}

	o.notification = &event.PolicyExtended{
		PolicyID:          p.ID,
		Holder:            caller,
		AdditionalDays:    additionalDays,
		AdditionalPremium: due.Dec(),
		NewEndTime:        p.EndTime,
		Asset:             p.Asset,
	}

	// interaction
	return l.settlePayment(ctx, p.Asset, caller, due, excess)
}

// CancelPolicy terminates an Active policy and refunds 90% of the premium
// share for the unused part of the window. It returns the refund paid.
func (l *Ledger) CancelPolicy(ctx context.Context, caller uuid.UUID, policyID uint64) (refund *uint256.Int, err error) {
	o, release, err := l.begin(ctx, OpCancelPolicy, caller)
	if err != nil {
		return nil, err
	}
	defer release()
	defer func() { l.finish(o, err) }()

	if err := l.checkCaller(caller); err != nil {
		return nil, err
	}
	p, err := l.holderPolicy(caller, policyID)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransitionTo(state.PolicyCancelled) {
		return nil, fmt.Errorf("%w: policy %d is %s", ErrPolicyNotActive, p.ID, p.Status)
	}

	refund, err = premium.Refund(&p.Premium, p.StartTime, p.EndTime, o.now)
	if err != nil {
		return nil, err
	}
	if !refund.IsZero() {
		if err := l.requireBalance(ctx, p.Asset, refund); err != nil {
			return nil, err
		}
	}

	// effects
	p.Status = state.PolicyCancelled
	o.onRollback(func() { p.Status = state.PolicyActive })
	o.touchPolicy(p.ID)

	if err := l.addCounter(o, p.Asset, state.RefundsPaid, refund); err != nil {
		return nil, err
	}

	o.notification = &event.PolicyCancelled{
		PolicyID: p.ID,
		Holder:   p.Holder,
		Refund:   refund.Dec(),
		Asset:    p.Asset,
	}

	// interaction
	if !refund.IsZero() {
		if err := l.transferOut(ctx, p.Asset, p.Holder, refund); err != nil {
			return nil, err
		}
	}

	if l.metrics != nil {
		l.metrics.PoliciesCancelled.WithLabelValues(p.Asset.Key()).Inc()
	}
	return refund, nil
}

// holderPolicy loads a policy and checks the caller holds it.
func (l *Ledger) holderPolicy(caller uuid.UUID, policyID uint64) (*state.Policy, error) {
	p := l.policies.Get(policyID)
	if p == nil {
		return nil, fmt.Errorf("%w: %d", ErrPolicyNotFound, policyID)
	}
	if p.Holder != caller {
		return nil, fmt.Errorf("%w: policy %d", ErrNotHolder, policyID)
	}
	return p, nil
}
