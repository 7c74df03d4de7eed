package core_test

import (
	"CoverLedger/internal/asset"
	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/fault"
	"CoverLedger/internal/state"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// --- Test helpers ---

const day = 24 * time.Hour

var t0 = time.Unix(1_700_000_000, 0)

type fixture struct {
	ledger  *core.Ledger
	vault   *asset.Vault
	owner   uuid.UUID
	custody uuid.UUID
	persist chan core.Output
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		owner:   uuid.New(),
		custody: uuid.New(),
		persist: make(chan core.Output, 1024),
		clock:   t0,
	}
	f.vault = asset.NewVault(f.custody)
	l, err := core.NewLedger(core.Config{
		Owner:       f.owner,
		Custody:     f.custody,
		Adapter:     f.vault,
		PersistChan: f.persist,
	})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	l.SetNowFunc(func() time.Time { return f.clock })
	f.ledger = l
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

// attach simulates the invocation layer escrowing native value sent with a
// call: it lands in custody before the ledger runs.
func (f *fixture) attach(t *testing.T, amount uint64) *uint256.Int {
	t.Helper()
	v := uint256.NewInt(amount)
	if err := f.vault.Credit(asset.Native(), f.custody, v); err != nil {
		t.Fatalf("credit custody: %v", err)
	}
	return v
}

func (f *fixture) topUp(t *testing.T, ref asset.Ref, amount uint64) {
	t.Helper()
	if err := f.vault.Credit(ref, f.custody, uint256.NewInt(amount)); err != nil {
		t.Fatalf("top up: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, ref asset.Ref, party uuid.UUID) uint64 {
	t.Helper()
	b, err := f.vault.Balance(context.Background(), ref, party)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.Uint64()
}

// nativePolicy creates a native policy paying exactly the premium.
func (f *fixture) nativePolicy(t *testing.T, holder uuid.UUID, insured, days uint64, risk uint8) uint64 {
	t.Helper()
	due := insured * days * uint64(risk) / 10_000
	id, err := f.ledger.CreatePolicy(context.Background(), holder, core.CreatePolicyRequest{
		InsuredAmount: uint256.NewInt(insured),
		DurationDays:  days,
		RiskLevel:     risk,
		Asset:         asset.Native(),
		Payment:       f.attach(t, due),
	})
	if err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	return id
}

func mustToken(t *testing.T, id string) asset.Ref {
	t.Helper()
	ref, err := asset.Token(id)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return ref
}

func drainOutputs(ch chan core.Output) []core.Output {
	var outputs []core.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func expectErr(t *testing.T, err, target error, kind fault.Kind) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
	if got := fault.KindOf(err); got != kind {
		t.Fatalf("expected kind %s, got %s", kind, got)
	}
}

func mustPolicy(t *testing.T, l *core.Ledger, id uint64) state.Policy {
	t.Helper()
	p, err := l.Policy(id)
	if err != nil {
		t.Fatalf("Policy(%d): %v", id, err)
	}
	return p
}

func mustClaim(t *testing.T, l *core.Ledger, id uint64) state.Claim {
	t.Helper()
	c, err := l.Claim(id)
	if err != nil {
		t.Fatalf("Claim(%d): %v", id, err)
	}
	return c
}

func totals(t *testing.T, l *core.Ledger, ref asset.Ref) state.AssetTotals {
	t.Helper()
	tt, err := l.Totals(ref)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	return tt
}

// ============================================================================
// Test: Construction
// ============================================================================

func TestNewLedger_RequiresIdentities(t *testing.T) {
	v := asset.NewVault(uuid.New())
	if _, err := core.NewLedger(core.Config{Owner: uuid.Nil, Custody: uuid.New(), Adapter: v}); !errors.Is(err, core.ErrZeroIdentity) {
		t.Fatalf("nil owner: got %v", err)
	}
	if _, err := core.NewLedger(core.Config{Owner: uuid.New(), Custody: uuid.Nil, Adapter: v}); !errors.Is(err, core.ErrZeroIdentity) {
		t.Fatalf("nil custody: got %v", err)
	}
	if _, err := core.NewLedger(core.Config{Owner: uuid.New(), Custody: uuid.New()}); err == nil {
		t.Fatal("expected error without adapter")
	}
}

// ============================================================================
// Test: CreatePolicy
// ============================================================================

func TestCreatePolicy_NativeCostsExactlyPremium(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()

	id, err := f.ledger.CreatePolicy(context.Background(), holder, core.CreatePolicyRequest{
		InsuredAmount: uint256.NewInt(1000),
		DurationDays:  30,
		RiskLevel:     3,
		Data:          "ipfs://doc",
		Asset:         asset.Native(),
		Payment:       f.attach(t, 15),
	})
	if err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected id 1, got %d", id)
	}

	p := mustPolicy(t, f.ledger, id)
	if p.Premium.Uint64() != 9 {
		t.Errorf("expected premium 9, got %s", p.Premium.Dec())
	}
	if p.Status != state.PolicyActive || p.Holder != holder || p.RiskLevel != 3 || p.Data != "ipfs://doc" {
		t.Errorf("unexpected policy: %+v", p)
	}
	if p.StartTime != t0.Unix() || p.EndTime != t0.Add(30*day).Unix() {
		t.Errorf("unexpected window: %d..%d", p.StartTime, p.EndTime)
	}

	// excess 6 returned, 9 kept
	if got := f.balance(t, asset.Native(), holder); got != 6 {
		t.Errorf("expected holder refund 6, got %d", got)
	}
	if got := f.balance(t, asset.Native(), f.custody); got != 9 {
		t.Errorf("expected custody 9, got %d", got)
	}
	tot := totals(t, f.ledger, asset.Native())
	if got := tot.PremiumsCollected.Uint64(); got != 9 {
		t.Errorf("expected premiums collected 9, got %d", got)
	}
	if ids := f.ledger.PoliciesOf(holder); len(ids) != 1 || ids[0] != id {
		t.Errorf("holder index: %v", ids)
	}

	outputs := drainOutputs(f.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	env := outputs[0].Envelope
	if env.Type != event.TypePolicyCreated || env.Sequence != 1 {
		t.Errorf("unexpected envelope: type=%s seq=%d", env.Type, env.Sequence)
	}
	n, err := event.Decode(env.Type, env.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	created := n.(*event.PolicyCreated)
	if created.PolicyID != id || created.Premium != "9" || created.InsuredAmount != "1000" || created.Holder != holder {
		t.Errorf("unexpected notification: %+v", created)
	}
}

func TestCreatePolicy_NativeUnderpaymentCreatesNothing(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()

	_, err := f.ledger.CreatePolicy(context.Background(), holder, core.CreatePolicyRequest{
		InsuredAmount: uint256.NewInt(1000),
		DurationDays:  30,
		RiskLevel:     3,
		Asset:         asset.Native(),
		Payment:       f.attach(t, 8),
	})
	expectErr(t, err, core.ErrInsufficientPayment, fault.KindInsufficientFunds)

	if ids := f.ledger.PoliciesOf(holder); len(ids) != 0 {
		t.Errorf("expected no policies, got %v", ids)
	}
	if _, err := f.ledger.Policy(1); !errors.Is(err, core.ErrPolicyNotFound) {
		t.Errorf("expected policy 1 absent, got %v", err)
	}
	if got := totals(t, f.ledger, asset.Native()); !got.PremiumsCollected.IsZero() {
		t.Errorf("counter moved: %s", got.PremiumsCollected.Dec())
	}
	if outputs := drainOutputs(f.persist); len(outputs) != 0 {
		t.Errorf("expected no outputs, got %d", len(outputs))
	}
}

func TestCreatePolicy_Validation(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	base := core.CreatePolicyRequest{
		InsuredAmount: uint256.NewInt(1000),
		DurationDays:  30,
		RiskLevel:     3,
		Asset:         asset.Native(),
	}

	cases := []struct {
		name   string
		caller uuid.UUID
		mutate func(r *core.CreatePolicyRequest)
		want   error
	}{
		{"zero insured", holder, func(r *core.CreatePolicyRequest) { r.InsuredAmount = uint256.NewInt(0) }, core.ErrInvalidAmount},
		{"nil insured", holder, func(r *core.CreatePolicyRequest) { r.InsuredAmount = nil }, core.ErrInvalidAmount},
		{"zero duration", holder, func(r *core.CreatePolicyRequest) { r.DurationDays = 0 }, core.ErrInvalidDuration},
		{"risk zero", holder, func(r *core.CreatePolicyRequest) { r.RiskLevel = 0 }, core.ErrInvalidRiskLevel},
		{"risk six", holder, func(r *core.CreatePolicyRequest) { r.RiskLevel = 6 }, core.ErrInvalidRiskLevel},
		{"nil caller", uuid.Nil, func(r *core.CreatePolicyRequest) {}, core.ErrZeroIdentity},
		{"token without id", holder, func(r *core.CreatePolicyRequest) { r.Asset = asset.Ref{Kind: asset.KindToken} }, core.ErrInvalidAsset},
		{"data too long", holder, func(r *core.CreatePolicyRequest) { r.Data = strings.Repeat("x", core.MaxDataLen+1) }, core.ErrDataTooLong},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := f.ledger.CreatePolicy(context.Background(), tc.caller, req)
			expectErr(t, err, tc.want, fault.KindValidation)
		})
	}
	if n := len(f.ledger.PoliciesOf(holder)); n != 0 {
		t.Fatalf("expected no policies, got %d", n)
	}
}

func TestCreatePolicy_OverflowFailsFast(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.CreatePolicy(context.Background(), uuid.New(), core.CreatePolicyRequest{
		InsuredAmount: new(uint256.Int).SetAllOne(),
		DurationDays:  2,
		RiskLevel:     1,
		Asset:         asset.Native(),
	})
	expectErr(t, err, core.ErrArithmeticOverflow, fault.KindArithmetic)
}

func TestCreatePolicy_TokenPullsExactPremium(t *testing.T) {
	f := newFixture(t)
	usdc := mustToken(t, "usdc")
	holder := uuid.New()
	if err := f.vault.Credit(usdc, holder, uint256.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := f.vault.Approve(usdc, holder, f.custody, uint256.NewInt(50)); err != nil {
		t.Fatal(err)
	}

	id, err := f.ledger.CreatePolicy(context.Background(), holder, core.CreatePolicyRequest{
		InsuredAmount: uint256.NewInt(1000),
		DurationDays:  30,
		RiskLevel:     3,
		Asset:         asset.Ref{Kind: asset.KindToken, TokenID: " usdc "},
	})
	if err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}

	p := mustPolicy(t, f.ledger, id)
	if p.Asset != usdc {
		t.Errorf("expected normalised asset %s, got %s", usdc, p.Asset)
	}
	if got := f.balance(t, usdc, holder); got != 91 {
		t.Errorf("expected holder 91, got %d", got)
	}
	if got := f.balance(t, usdc, f.custody); got != 9 {
		t.Errorf("expected custody 9, got %d", got)
	}
	left, _ := f.vault.Allowance(context.Background(), usdc, holder, f.custody)
	if left.Uint64() != 41 {
		t.Errorf("expected allowance 41, got %s", left.Dec())
	}

	// token and native counters never mix
	tot := totals(t, f.ledger, usdc)
	if got := tot.PremiumsCollected.Uint64(); got != 9 {
		t.Errorf("expected token premiums 9, got %d", got)
	}
	if got := totals(t, f.ledger, asset.Native()); !got.PremiumsCollected.IsZero() {
		t.Errorf("native counter moved: %s", got.PremiumsCollected.Dec())
	}
}

func TestCreatePolicy_TokenInsufficientAllowanceBeforeMutation(t *testing.T) {
	f := newFixture(t)
	usdc := mustToken(t, "USDC")
	holder := uuid.New()
	_ = f.vault.Credit(usdc, holder, uint256.NewInt(100))
	_ = f.vault.Approve(usdc, holder, f.custody, uint256.NewInt(8))

	_, err := f.ledger.CreatePolicy(context.Background(), holder, core.CreatePolicyRequest{
		InsuredAmount: uint256.NewInt(1000),
		DurationDays:  30,
		RiskLevel:     3,
		Asset:         usdc,
	})
	expectErr(t, err, core.ErrInsufficientAllowance, fault.KindInsufficientFunds)

	if got := f.balance(t, usdc, holder); got != 100 {
		t.Errorf("holder balance changed: %d", got)
	}
	if n := len(f.ledger.PoliciesOf(holder)); n != 0 {
		t.Errorf("expected no policy, got %d", n)
	}
}

func TestCreatePolicy_TokenRejectsAttachedNativeValue(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.CreatePolicy(context.Background(), uuid.New(), core.CreatePolicyRequest{
		InsuredAmount: uint256.NewInt(1000),
		DurationDays:  30,
		RiskLevel:     3,
		Asset:         mustToken(t, "USDC"),
		Payment:       uint256.NewInt(1),
	})
	expectErr(t, err, core.ErrUnexpectedPayment, fault.KindValidation)
}

func TestCreatePolicy_ExcessRefundFailureAbortsCreation(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	f.vault.SetHook(func(ctx context.Context, tr asset.Transfer) error {
		return errors.New("recipient refuses value")
	})

	_, err := f.ledger.CreatePolicy(context.Background(), holder, core.CreatePolicyRequest{
		InsuredAmount: uint256.NewInt(1000),
		DurationDays:  30,
		RiskLevel:     3,
		Asset:         asset.Native(),
		Payment:       f.attach(t, 20),
	})
	expectErr(t, err, core.ErrTransferFailed, fault.KindTransfer)
	if !errors.Is(err, asset.ErrTransferRejected) {
		t.Errorf("adapter cause lost: %v", err)
	}

	if n := len(f.ledger.PoliciesOf(holder)); n != 0 {
		t.Fatalf("policy recorded despite failed refund")
	}
	if got := totals(t, f.ledger, asset.Native()); !got.PremiumsCollected.IsZero() {
		t.Errorf("counter not rolled back: %s", got.PremiumsCollected.Dec())
	}
	if len(f.ledger.AllTotals()) != 0 {
		t.Errorf("expected no treasury rows, got %d", len(f.ledger.AllTotals()))
	}
	if got := f.balance(t, asset.Native(), f.custody); got != 20 {
		t.Errorf("escrow should be untouched for the caller layer to return, got %d", got)
	}
	if outputs := drainOutputs(f.persist); len(outputs) != 0 {
		t.Errorf("expected no outputs, got %d", len(outputs))
	}

	// ids are not burnt by the failed attempt
	f.vault.SetHook(nil)
	id := f.nativePolicy(t, holder, 1000, 30, 3)
	if id != 1 {
		t.Errorf("expected id 1 after rollback, got %d", id)
	}
}

// ============================================================================
// Test: ExtendPolicy
// ============================================================================

func TestExtendPolicy_UsesOriginalTerms(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	id := f.nativePolicy(t, holder, 1000, 30, 3)
	before := mustPolicy(t, f.ledger, id)

	// elapsed time has no effect on the extension price
	f.advance(10 * day)
	if err := f.ledger.ExtendPolicy(context.Background(), holder, id, 30, f.attach(t, 9)); err != nil {
		t.Fatalf("ExtendPolicy: %v", err)
	}

	after := mustPolicy(t, f.ledger, id)
	if after.EndTime-before.EndTime != int64(30*86_400) {
		t.Errorf("expected end +30 days, got +%d s", after.EndTime-before.EndTime)
	}
	if after.StartTime != before.StartTime {
		t.Errorf("start moved")
	}
	if after.Premium.Uint64() != 18 {
		t.Errorf("expected total premium 18, got %s", after.Premium.Dec())
	}
	tot := totals(t, f.ledger, asset.Native())
	if got := tot.PremiumsCollected.Uint64(); got != 18 {
		t.Errorf("expected counter 18, got %d", got)
	}
}

func TestExtendPolicy_UnderpaymentAndRefund(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	id := f.nativePolicy(t, holder, 1000, 30, 3)
	before := mustPolicy(t, f.ledger, id)

	err := f.ledger.ExtendPolicy(context.Background(), holder, id, 30, f.attach(t, 8))
	expectErr(t, err, core.ErrInsufficientPayment, fault.KindInsufficientFunds)
	if after := mustPolicy(t, f.ledger, id); after.EndTime != before.EndTime || !after.Premium.Eq(&before.Premium) {
		t.Fatalf("policy mutated by failed extension")
	}

	if err := f.ledger.ExtendPolicy(context.Background(), holder, id, 30, f.attach(t, 12)); err != nil {
		t.Fatalf("ExtendPolicy: %v", err)
	}
	if got := f.balance(t, asset.Native(), holder); got != 3 {
		t.Errorf("expected excess 3 returned, got %d", got)
	}
}

func TestExtendPolicy_ExpiredButActiveCanStillBeExtended(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	id := f.nativePolicy(t, holder, 1000, 30, 3)

	f.advance(45 * day)
	expired, err := f.ledger.IsExpired(id)
	if err != nil || !expired {
		t.Fatalf("expected expired, got %v %v", expired, err)
	}
	if p := mustPolicy(t, f.ledger, id); p.Status != state.PolicyActive {
		t.Fatalf("expiry must not change stored status, got %s", p.Status)
	}

	if err := f.ledger.ExtendPolicy(context.Background(), holder, id, 30, f.attach(t, 9)); err != nil {
		t.Fatalf("ExtendPolicy on expired policy: %v", err)
	}
	p := mustPolicy(t, f.ledger, id)
	if p.EndTime != t0.Add(60*day).Unix() {
		t.Errorf("expected end at start+60d, got %d", p.EndTime)
	}
	// the new end lies past now again
	if expired, _ := f.ledger.IsExpired(id); expired {
		t.Errorf("expected cover restored by extension")
	}
}

func TestExtendPolicy_Rejections(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	id := f.nativePolicy(t, holder, 1000, 30, 3)
	ctx := context.Background()

	expectErr(t, f.ledger.ExtendPolicy(ctx, uuid.New(), id, 1, nil), core.ErrNotHolder, fault.KindAuthorization)
	expectErr(t, f.ledger.ExtendPolicy(ctx, holder, 99, 1, nil), core.ErrPolicyNotFound, fault.KindState)
	expectErr(t, f.ledger.ExtendPolicy(ctx, holder, id, 0, nil), core.ErrInvalidDuration, fault.KindValidation)

	if _, err := f.ledger.CancelPolicy(ctx, holder, id); err != nil {
		t.Fatalf("CancelPolicy: %v", err)
	}
	expectErr(t, f.ledger.ExtendPolicy(ctx, holder, id, 1, f.attach(t, 1)), core.ErrPolicyNotActive, fault.KindState)
}

// ============================================================================
// Test: CancelPolicy
// ============================================================================

func TestCancelPolicy_Proration(t *testing.T) {
	cases := []struct {
		name    string
		elapsed time.Duration
		refund  uint64
	}{
		{"immediately", 0, 9_000},
		{"midpoint", 50 * day, 4_500},
		{"at end", 100 * day, 0},
		{"after expiry", 101 * day, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			holder := uuid.New()
			// premium = 1_000_000 * 100 * 1 / 10_000 = 10_000
			id := f.nativePolicy(t, holder, 1_000_000, 100, 1)

			f.advance(tc.elapsed)
			refund, err := f.ledger.CancelPolicy(context.Background(), holder, id)
			if err != nil {
				t.Fatalf("CancelPolicy: %v", err)
			}
			if refund.Uint64() != tc.refund {
				t.Errorf("expected refund %d, got %s", tc.refund, refund.Dec())
			}
			if got := f.balance(t, asset.Native(), holder); got != tc.refund {
				t.Errorf("holder received %d", got)
			}
			tot := totals(t, f.ledger, asset.Native())
			if got := tot.RefundsPaid.Uint64(); got != tc.refund {
				t.Errorf("refund counter %d", got)
			}
			if p := mustPolicy(t, f.ledger, id); p.Status != state.PolicyCancelled {
				t.Errorf("expected Cancelled, got %s", p.Status)
			}
		})
	}
}

func TestCancelPolicy_NotActiveOrNotHolder(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	id := f.nativePolicy(t, holder, 1000, 30, 3)
	ctx := context.Background()

	_, err := f.ledger.CancelPolicy(ctx, uuid.New(), id)
	expectErr(t, err, core.ErrNotHolder, fault.KindAuthorization)

	if _, err := f.ledger.CancelPolicy(ctx, holder, id); err != nil {
		t.Fatalf("CancelPolicy: %v", err)
	}
	_, err = f.ledger.CancelPolicy(ctx, holder, id)
	expectErr(t, err, core.ErrPolicyNotActive, fault.KindState)
}

func TestCancelPolicy_TransferFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	id := f.nativePolicy(t, holder, 1_000_000, 100, 1)
	drainOutputs(f.persist)

	f.vault.SetHook(func(ctx context.Context, tr asset.Transfer) error {
		return errors.New("no")
	})
	_, err := f.ledger.CancelPolicy(context.Background(), holder, id)
	expectErr(t, err, core.ErrTransferFailed, fault.KindTransfer)

	if p := mustPolicy(t, f.ledger, id); p.Status != state.PolicyActive {
		t.Fatalf("expected Active after rollback, got %s", p.Status)
	}
	if got := totals(t, f.ledger, asset.Native()); !got.RefundsPaid.IsZero() {
		t.Errorf("refund counter not rolled back: %s", got.RefundsPaid.Dec())
	}
	if got := f.balance(t, asset.Native(), f.custody); got != 10_000 {
		t.Errorf("custody changed: %d", got)
	}
	if outputs := drainOutputs(f.persist); len(outputs) != 0 {
		t.Errorf("expected no outputs, got %d", len(outputs))
	}

	f.vault.SetHook(nil)
	if _, err := f.ledger.CancelPolicy(context.Background(), holder, id); err != nil {
		t.Fatalf("retry CancelPolicy: %v", err)
	}
}

func TestCancelPolicy_RefundRequiresCustodyBalance(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	id := f.nativePolicy(t, holder, 1_000_000, 100, 1)
	if err := f.ledger.Withdraw(context.Background(), f.owner, asset.Native(), uint256.NewInt(10_000), f.owner); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	_, err := f.ledger.CancelPolicy(context.Background(), holder, id)
	expectErr(t, err, core.ErrInsufficientBalance, fault.KindInsufficientFunds)
	if p := mustPolicy(t, f.ledger, id); p.Status != state.PolicyActive {
		t.Fatalf("expected Active, got %s", p.Status)
	}
}

func TestRoundTrip_RefundsNeverExceedPremiums(t *testing.T) {
	for _, elapsed := range []time.Duration{0, time.Second, 7 * day, 29 * day, 59 * day, 61 * day} {
		f := newFixture(t)
		holder := uuid.New()
		id := f.nativePolicy(t, holder, 777_777, 30, 4)

		f.advance(time.Hour)
		if err := f.ledger.ExtendPolicy(context.Background(), holder, id, 30, f.attach(t, 777_777*30*4/10_000)); err != nil {
			t.Fatalf("ExtendPolicy: %v", err)
		}
		f.advance(elapsed)
		refund, err := f.ledger.CancelPolicy(context.Background(), holder, id)
		if err != nil {
			t.Fatalf("CancelPolicy: %v", err)
		}

		tt := totals(t, f.ledger, asset.Native())
		if refund.Gt(&tt.PremiumsCollected) {
			t.Errorf("elapsed %s: refund %s exceeds premiums %s", elapsed, refund.Dec(), tt.PremiumsCollected.Dec())
		}
	}
}

// ============================================================================
// Test: FileClaim
// ============================================================================

func TestFileClaim_RecordsPendingClaim(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	pid := f.nativePolicy(t, holder, 1000, 30, 3)
	custodyBefore := f.balance(t, asset.Native(), f.custody)

	cid, err := f.ledger.FileClaim(context.Background(), holder, pid, uint256.NewInt(1000))
	if err != nil {
		t.Fatalf("FileClaim: %v", err)
	}
	c := mustClaim(t, f.ledger, cid)
	if c.Status != state.ClaimPending || c.PolicyID != pid || c.Claimant != holder || c.Amount.Uint64() != 1000 {
		t.Errorf("unexpected claim: %+v", c)
	}
	if c.FiledAt != t0.Unix() {
		t.Errorf("unexpected filing time %d", c.FiledAt)
	}
	if ids := f.ledger.ClaimsOf(holder); len(ids) != 1 || ids[0] != cid {
		t.Errorf("claimant index: %v", ids)
	}
	if got := f.balance(t, asset.Native(), f.custody); got != custodyBefore {
		t.Errorf("funds moved at filing")
	}
}

func TestFileClaim_Rejections(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	pid := f.nativePolicy(t, holder, 1000, 30, 3)
	ctx := context.Background()

	_, err := f.ledger.FileClaim(ctx, holder, pid, uint256.NewInt(1001))
	expectErr(t, err, core.ErrClaimExceedsCoverage, fault.KindValidation)

	_, err = f.ledger.FileClaim(ctx, holder, pid, uint256.NewInt(0))
	expectErr(t, err, core.ErrInvalidAmount, fault.KindValidation)

	_, err = f.ledger.FileClaim(ctx, uuid.New(), pid, uint256.NewInt(1))
	expectErr(t, err, core.ErrNotHolder, fault.KindAuthorization)

	_, err = f.ledger.FileClaim(ctx, holder, 42, uint256.NewInt(1))
	expectErr(t, err, core.ErrPolicyNotFound, fault.KindState)

	// exactly at end is still covered, one second later is not
	f.advance(30 * day)
	if _, err := f.ledger.FileClaim(ctx, holder, pid, uint256.NewInt(1)); err != nil {
		t.Fatalf("FileClaim at end: %v", err)
	}
	f.advance(time.Second)
	_, err = f.ledger.FileClaim(ctx, holder, pid, uint256.NewInt(1))
	expectErr(t, err, core.ErrPolicyExpired, fault.KindState)

	other := f.nativePolicy(t, holder, 1000, 30, 3)
	if _, err := f.ledger.CancelPolicy(ctx, holder, other); err != nil {
		t.Fatalf("CancelPolicy: %v", err)
	}
	_, err = f.ledger.FileClaim(ctx, holder, other, uint256.NewInt(1))
	expectErr(t, err, core.ErrPolicyNotActive, fault.KindState)
}

// ============================================================================
// Test: ProcessClaim
// ============================================================================

func TestProcessClaim_ApprovePaysExactly(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	pid := f.nativePolicy(t, holder, 1000, 30, 3)
	f.topUp(t, asset.Native(), 1000)
	cid, err := f.ledger.FileClaim(context.Background(), holder, pid, uint256.NewInt(500))
	if err != nil {
		t.Fatalf("FileClaim: %v", err)
	}

	if err := f.ledger.ProcessClaim(context.Background(), f.owner, cid, true); err != nil {
		t.Fatalf("ProcessClaim: %v", err)
	}

	if c := mustClaim(t, f.ledger, cid); c.Status != state.ClaimApproved {
		t.Errorf("expected Approved, got %s", c.Status)
	}
	if p := mustPolicy(t, f.ledger, pid); p.Status != state.PolicyClaimed {
		t.Errorf("expected Claimed, got %s", p.Status)
	}
	if got := f.balance(t, asset.Native(), holder); got != 500 {
		t.Errorf("expected claimant +500, got %d", got)
	}
	tot := totals(t, f.ledger, asset.Native())
	if got := tot.ClaimsPaid.Uint64(); got != 500 {
		t.Errorf("expected claims paid 500, got %d", got)
	}
	custody := f.balance(t, asset.Native(), f.custody)
	drainOutputs(f.persist)

	err = f.ledger.ProcessClaim(context.Background(), f.owner, cid, true)
	expectErr(t, err, core.ErrAlreadyProcessed, fault.KindState)
	if got := f.balance(t, asset.Native(), holder); got != 500 {
		t.Errorf("second approval paid out")
	}
	if got := f.balance(t, asset.Native(), f.custody); got != custody {
		t.Errorf("custody changed")
	}
	if outputs := drainOutputs(f.persist); len(outputs) != 0 {
		t.Errorf("expected no outputs, got %d", len(outputs))
	}
}

func TestProcessClaim_InsufficientBalanceThenTopUp(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	pid := f.nativePolicy(t, holder, 1000, 30, 3) // custody holds 9
	cid, _ := f.ledger.FileClaim(context.Background(), holder, pid, uint256.NewInt(500))

	err := f.ledger.ProcessClaim(context.Background(), f.owner, cid, true)
	expectErr(t, err, core.ErrInsufficientBalance, fault.KindInsufficientFunds)
	if c := mustClaim(t, f.ledger, cid); c.Status != state.ClaimPending {
		t.Fatalf("expected Pending, got %s", c.Status)
	}
	if p := mustPolicy(t, f.ledger, pid); p.Status != state.PolicyActive {
		t.Fatalf("expected Active, got %s", p.Status)
	}
	if got := f.balance(t, asset.Native(), holder); got != 0 {
		t.Fatalf("claimant paid %d", got)
	}

	f.topUp(t, asset.Native(), 491)
	if err := f.ledger.ProcessClaim(context.Background(), f.owner, cid, true); err != nil {
		t.Fatalf("retry ProcessClaim: %v", err)
	}
	if got := f.balance(t, asset.Native(), f.custody); got != 0 {
		t.Errorf("expected custody drained, got %d", got)
	}
}

func TestProcessClaim_RejectLeavesPolicyActive(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	pid := f.nativePolicy(t, holder, 1000, 30, 3)
	cid, _ := f.ledger.FileClaim(context.Background(), holder, pid, uint256.NewInt(500))

	if err := f.ledger.ProcessClaim(context.Background(), f.owner, cid, false); err != nil {
		t.Fatalf("ProcessClaim: %v", err)
	}
	if c := mustClaim(t, f.ledger, cid); c.Status != state.ClaimRejected {
		t.Errorf("expected Rejected, got %s", c.Status)
	}
	if p := mustPolicy(t, f.ledger, pid); p.Status != state.PolicyActive {
		t.Errorf("expected Active, got %s", p.Status)
	}
	err := f.ledger.ProcessClaim(context.Background(), f.owner, cid, true)
	expectErr(t, err, core.ErrAlreadyProcessed, fault.KindState)
}

func TestProcessClaim_PolicyClaimedAtMostOnce(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	pid := f.nativePolicy(t, holder, 1000, 30, 3)
	f.topUp(t, asset.Native(), 10_000)
	first, _ := f.ledger.FileClaim(context.Background(), holder, pid, uint256.NewInt(400))
	second, _ := f.ledger.FileClaim(context.Background(), holder, pid, uint256.NewInt(300))

	if err := f.ledger.ProcessClaim(context.Background(), f.owner, first, true); err != nil {
		t.Fatalf("ProcessClaim: %v", err)
	}
	err := f.ledger.ProcessClaim(context.Background(), f.owner, second, true)
	expectErr(t, err, core.ErrPolicyNotActive, fault.KindState)
	if c := mustClaim(t, f.ledger, second); c.Status != state.ClaimPending {
		t.Errorf("expected second claim Pending, got %s", c.Status)
	}
	// it can still be rejected
	if err := f.ledger.ProcessClaim(context.Background(), f.owner, second, false); err != nil {
		t.Fatalf("reject second: %v", err)
	}
}

func TestProcessClaim_RequiresManager(t *testing.T) {
	f := newFixture(t)
	holder, manager := uuid.New(), uuid.New()
	pid := f.nativePolicy(t, holder, 1000, 30, 3)
	f.topUp(t, asset.Native(), 1000)
	cid, _ := f.ledger.FileClaim(context.Background(), holder, pid, uint256.NewInt(100))

	err := f.ledger.ProcessClaim(context.Background(), holder, cid, true)
	expectErr(t, err, core.ErrNotManagerRole, fault.KindAuthorization)

	if err := f.ledger.AddManager(context.Background(), f.owner, manager); err != nil {
		t.Fatalf("AddManager: %v", err)
	}
	if err := f.ledger.ProcessClaim(context.Background(), manager, cid, true); err != nil {
		t.Fatalf("manager ProcessClaim: %v", err)
	}

	_, err = f.ledger.Claim(99)
	expectErr(t, err, core.ErrClaimNotFound, fault.KindState)
	expectErr(t, f.ledger.ProcessClaim(context.Background(), manager, 99, true), core.ErrClaimNotFound, fault.KindState)
}

func TestProcessClaim_TransferFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	usdc := mustToken(t, "USDC")
	holder := uuid.New()
	_ = f.vault.Credit(usdc, holder, uint256.NewInt(9))
	_ = f.vault.Approve(usdc, holder, f.custody, uint256.NewInt(9))
	pid, err := f.ledger.CreatePolicy(context.Background(), holder, core.CreatePolicyRequest{
		InsuredAmount: uint256.NewInt(1000), DurationDays: 30, RiskLevel: 3, Asset: usdc,
	})
	if err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	f.topUp(t, usdc, 1000)
	cid, _ := f.ledger.FileClaim(context.Background(), holder, pid, uint256.NewInt(700))

	f.vault.SetHook(func(ctx context.Context, tr asset.Transfer) error {
		return errors.New("blocked")
	})
	err = f.ledger.ProcessClaim(context.Background(), f.owner, cid, true)
	expectErr(t, err, core.ErrTransferFailed, fault.KindTransfer)

	if c := mustClaim(t, f.ledger, cid); c.Status != state.ClaimPending {
		t.Errorf("claim not rolled back: %s", c.Status)
	}
	if p := mustPolicy(t, f.ledger, pid); p.Status != state.PolicyActive {
		t.Errorf("policy not rolled back: %s", p.Status)
	}
	if got := totals(t, f.ledger, usdc); !got.ClaimsPaid.IsZero() {
		t.Errorf("claims counter not rolled back: %s", got.ClaimsPaid.Dec())
	}
	if got := f.balance(t, usdc, f.custody); got != 1009 {
		t.Errorf("custody changed: %d", got)
	}
}

// ============================================================================
// Test: Reentrancy
// ============================================================================

func TestReentrancy_NestedSettlementRejected(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	pid := f.nativePolicy(t, holder, 1000, 30, 3)
	f.topUp(t, asset.Native(), 1000)
	cid, _ := f.ledger.FileClaim(context.Background(), holder, pid, uint256.NewInt(500))

	var nestedErr error
	var seenClaim state.ClaimStatus
	var seenPolicy state.PolicyStatus
	calls := 0
	f.vault.SetHook(func(ctx context.Context, tr asset.Transfer) error {
		calls++
		// effects are visible before the transfer completes
		c, _ := f.ledger.Claim(cid)
		p, _ := f.ledger.Policy(pid)
		seenClaim, seenPolicy = c.Status, p.Status
		nestedErr = f.ledger.ProcessClaim(ctx, f.owner, cid, true)
		return nil
	})

	if err := f.ledger.ProcessClaim(context.Background(), f.owner, cid, true); err != nil {
		t.Fatalf("ProcessClaim: %v", err)
	}
	expectErr(t, nestedErr, core.ErrReentrantCall, fault.KindReentrancy)
	if calls != 1 {
		t.Errorf("expected one payout, got %d", calls)
	}
	if seenClaim != state.ClaimApproved || seenPolicy != state.PolicyClaimed {
		t.Errorf("callback saw claim=%s policy=%s", seenClaim, seenPolicy)
	}
	if got := f.balance(t, asset.Native(), holder); got != 500 {
		t.Errorf("expected single payout of 500, got %d", got)
	}
}

func TestReentrancy_AnyGuardedOperationRejected(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	id := f.nativePolicy(t, holder, 1_000_000, 100, 1)

	var nested []error
	f.vault.SetHook(func(ctx context.Context, tr asset.Transfer) error {
		_, err := f.ledger.CreatePolicy(ctx, holder, core.CreatePolicyRequest{
			InsuredAmount: uint256.NewInt(1), DurationDays: 1, RiskLevel: 1, Asset: asset.Native(),
		})
		nested = append(nested, err)
		_, err = f.ledger.CancelPolicy(ctx, holder, id)
		nested = append(nested, err)
		nested = append(nested, f.ledger.Withdraw(ctx, f.owner, asset.Native(), uint256.NewInt(1), f.owner))
		nested = append(nested, f.ledger.ExtendPolicy(ctx, holder, id, 1, nil))
		return nil
	})

	if _, err := f.ledger.CancelPolicy(context.Background(), holder, id); err != nil {
		t.Fatalf("CancelPolicy: %v", err)
	}
	if len(nested) != 4 {
		t.Fatalf("expected 4 nested attempts, got %d", len(nested))
	}
	for i, err := range nested {
		if !errors.Is(err, core.ErrReentrantCall) {
			t.Errorf("nested call %d: expected ErrReentrantCall, got %v", i, err)
		}
	}
}

func TestReentrancy_GuardReleasedOnFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.CreatePolicy(context.Background(), uuid.New(), core.CreatePolicyRequest{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	// guard must be free again
	f.nativePolicy(t, uuid.New(), 1000, 30, 3)
}

// ============================================================================
// Test: Treasury & roles
// ============================================================================

func TestWithdraw_OwnerOnlyAndBounded(t *testing.T) {
	f := newFixture(t)
	usdc := mustToken(t, "USDC")
	f.topUp(t, asset.Native(), 100)
	f.topUp(t, usdc, 50)
	recipient := uuid.New()
	ctx := context.Background()

	expectErr(t, f.ledger.Withdraw(ctx, uuid.New(), asset.Native(), uint256.NewInt(1), recipient), core.ErrNotOwner, fault.KindAuthorization)
	expectErr(t, f.ledger.Withdraw(ctx, f.owner, asset.Native(), uint256.NewInt(0), recipient), core.ErrInvalidAmount, fault.KindValidation)
	expectErr(t, f.ledger.Withdraw(ctx, f.owner, asset.Native(), uint256.NewInt(1), uuid.Nil), core.ErrZeroIdentity, fault.KindValidation)
	expectErr(t, f.ledger.Withdraw(ctx, f.owner, asset.Native(), uint256.NewInt(101), recipient), core.ErrInsufficientBalance, fault.KindInsufficientFunds)
	// token balance is separate from native
	expectErr(t, f.ledger.Withdraw(ctx, f.owner, usdc, uint256.NewInt(51), recipient), core.ErrInsufficientBalance, fault.KindInsufficientFunds)

	if err := f.ledger.Withdraw(ctx, f.owner, usdc, uint256.NewInt(50), recipient); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if got := f.balance(t, usdc, recipient); got != 50 {
		t.Errorf("recipient got %d", got)
	}
	if got := f.balance(t, asset.Native(), f.custody); got != 100 {
		t.Errorf("native custody changed: %d", got)
	}
	tot := totals(t, f.ledger, usdc)
	if got := tot.Withdrawn.Uint64(); got != 50 {
		t.Errorf("withdrawn counter %d", got)
	}
}

func TestWithdraw_ToCustodyRejected(t *testing.T) {
	f := newFixture(t)
	f.topUp(t, asset.Native(), 100)

	err := f.ledger.Withdraw(context.Background(), f.owner, asset.Native(), uint256.NewInt(100), f.custody)
	expectErr(t, err, core.ErrRecipientIsCustody, fault.KindValidation)
	if fault.CodeOf(err) != "recipient_is_custody" {
		t.Errorf("code: got %s", fault.CodeOf(err))
	}
	if got := f.balance(t, asset.Native(), f.custody); got != 100 {
		t.Errorf("custody balance: got %d, want 100", got)
	}
	if got := totals(t, f.ledger, asset.Native()); !got.Withdrawn.IsZero() {
		t.Errorf("withdrawn counter moved: %s", got.Withdrawn.Dec())
	}
	if f.ledger.GetSequence() != 1 {
		t.Errorf("sequence advanced: %d", f.ledger.GetSequence())
	}
}

func TestCustodyCannotActAsCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	holder := uuid.New()
	pid := f.nativePolicy(t, holder, 1000, 30, 3)
	cid, err := f.ledger.FileClaim(ctx, holder, pid, uint256.NewInt(5))
	if err != nil {
		t.Fatalf("FileClaim: %v", err)
	}
	if err := f.ledger.AddManager(ctx, f.owner, f.custody); err != nil {
		t.Fatalf("AddManager: %v", err)
	}
	before := f.balance(t, asset.Native(), f.custody)
	seq := f.ledger.GetSequence()

	_, err = f.ledger.CreatePolicy(ctx, f.custody, core.CreatePolicyRequest{
		InsuredAmount: uint256.NewInt(1000), DurationDays: 30, RiskLevel: 3,
		Asset: asset.Native(), Payment: uint256.NewInt(9),
	})
	expectErr(t, err, core.ErrCallerIsCustody, fault.KindAuthorization)
	expectErr(t, f.ledger.ExtendPolicy(ctx, f.custody, pid, 1, uint256.NewInt(1)), core.ErrCallerIsCustody, fault.KindAuthorization)
	_, err = f.ledger.CancelPolicy(ctx, f.custody, pid)
	expectErr(t, err, core.ErrCallerIsCustody, fault.KindAuthorization)
	_, err = f.ledger.FileClaim(ctx, f.custody, pid, uint256.NewInt(1))
	expectErr(t, err, core.ErrCallerIsCustody, fault.KindAuthorization)
	expectErr(t, f.ledger.ProcessClaim(ctx, f.custody, cid, true), core.ErrCallerIsCustody, fault.KindAuthorization)

	if fault.CodeOf(core.ErrCallerIsCustody) != "caller_is_custody" {
		t.Errorf("code: got %s", fault.CodeOf(core.ErrCallerIsCustody))
	}
	if got := f.balance(t, asset.Native(), f.custody); got != before {
		t.Errorf("custody balance moved: %d -> %d", before, got)
	}
	if f.ledger.GetSequence() != seq {
		t.Errorf("sequence advanced: %d -> %d", seq, f.ledger.GetSequence())
	}
}

func TestWithdraw_TransferFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.topUp(t, asset.Native(), 100)
	f.vault.SetHook(func(ctx context.Context, tr asset.Transfer) error { return errors.New("nope") })

	err := f.ledger.Withdraw(context.Background(), f.owner, asset.Native(), uint256.NewInt(60), uuid.New())
	expectErr(t, err, core.ErrTransferFailed, fault.KindTransfer)
	if got := totals(t, f.ledger, asset.Native()); !got.Withdrawn.IsZero() {
		t.Errorf("withdrawn counter moved: %s", got.Withdrawn.Dec())
	}
	if got := f.balance(t, asset.Native(), f.custody); got != 100 {
		t.Errorf("custody changed: %d", got)
	}
}

func TestCustodyBalance_ManagerOnly(t *testing.T) {
	f := newFixture(t)
	f.topUp(t, asset.Native(), 77)

	_, err := f.ledger.CustodyBalance(context.Background(), uuid.New(), asset.Native())
	expectErr(t, err, core.ErrNotManagerRole, fault.KindAuthorization)

	bal, err := f.ledger.CustodyBalance(context.Background(), f.owner, asset.Native())
	if err != nil || bal.Uint64() != 77 {
		t.Fatalf("CustodyBalance: %v %v", bal, err)
	}
}

func TestRoles_ThroughLedger(t *testing.T) {
	f := newFixture(t)
	m := uuid.New()
	ctx := context.Background()

	if !f.ledger.IsManager(f.owner) || f.ledger.Owner() != f.owner {
		t.Fatal("owner must be an implicit manager")
	}
	expectErr(t, f.ledger.AddManager(ctx, m, m), core.ErrNotOwner, fault.KindAuthorization)
	if err := f.ledger.AddManager(ctx, f.owner, m); err != nil {
		t.Fatalf("AddManager: %v", err)
	}
	expectErr(t, f.ledger.AddManager(ctx, f.owner, m), core.ErrAlreadyManager, fault.KindState)
	expectErr(t, f.ledger.RemoveManager(ctx, f.owner, f.owner), core.ErrCannotRemoveOwner, fault.KindState)
	expectErr(t, f.ledger.RemoveManager(ctx, m, m), core.ErrNotOwner, fault.KindAuthorization)

	if err := f.ledger.RemoveManager(ctx, f.owner, m); err != nil {
		t.Fatalf("RemoveManager: %v", err)
	}
	expectErr(t, f.ledger.RemoveManager(ctx, f.owner, m), core.ErrNotManager, fault.KindState)
	if f.ledger.IsManager(m) {
		t.Error("removed manager still active")
	}

	outputs := drainOutputs(f.persist)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if r := outputs[0].Roles; len(r) != 1 || r[0].Party != m || !r[0].Added {
		t.Errorf("unexpected role change: %+v", r)
	}
	if outputs[1].Envelope.Type != event.TypeManagerRemoved {
		t.Errorf("unexpected type %s", outputs[1].Envelope.Type)
	}
}

// ============================================================================
// Test: Outputs, idempotency, snapshot
// ============================================================================

func TestOutputs_HashChainLinks(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	pid := f.nativePolicy(t, holder, 1000, 30, 3)
	cid, _ := f.ledger.FileClaim(context.Background(), holder, pid, uint256.NewInt(5))
	_ = f.ledger.ProcessClaim(context.Background(), f.owner, cid, true)

	outputs := drainOutputs(f.persist)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	prev := core.GenesisHash()
	for i, o := range outputs {
		env := o.Envelope
		if env.Sequence != int64(i+1) {
			t.Errorf("output %d: sequence %d", i, env.Sequence)
		}
		if env.PrevHash != prev {
			t.Errorf("output %d: broken chain", i)
		}
		if core.ChainHash(env.PrevHash, env.Sequence, o.Digest) != env.StateHash {
			t.Errorf("output %d: state hash does not recompute from digest", i)
		}
		prev = env.StateHash
	}
	if f.ledger.GetStateHash() != prev {
		t.Error("ledger tip differs from last output")
	}

	settle := outputs[2]
	if len(settle.Claims) != 1 || len(settle.Policies) != 1 || len(settle.Totals) != 1 {
		t.Errorf("settlement output records: %d claims, %d policies, %d totals",
			len(settle.Claims), len(settle.Policies), len(settle.Totals))
	}

	// the payout moved custody and the claimant; both ride on the output
	balances := map[uuid.UUID]uint64{}
	for _, b := range settle.Balances {
		balances[b.Party] = b.Amount.Uint64()
	}
	if len(balances) != 2 || balances[holder] != 5 || balances[f.custody] != 4 {
		t.Errorf("settlement balances: got %v", balances)
	}
	if len(outputs[1].Balances) != 0 {
		t.Errorf("filing a claim moves no funds, got %d balances", len(outputs[1].Balances))
	}
}

func TestOutputs_SameInputsSameHashes(t *testing.T) {
	run := func() [32]byte {
		f := newFixture(t)
		holder := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
		f.nativePolicy(t, holder, 1000, 30, 3)
		return f.ledger.GetStateHash()
	}
	if run() != run() {
		t.Error("state hash is not deterministic")
	}
}

func TestIdempotency_RequestKey(t *testing.T) {
	f := newFixture(t)
	holder := uuid.New()
	ctx := core.WithRequestKey(context.Background(), "req-1")
	req := core.CreatePolicyRequest{
		InsuredAmount: uint256.NewInt(1000), DurationDays: 30, RiskLevel: 3, Asset: asset.Native(),
	}

	// failed attempts are not recorded
	req.Payment = f.attach(t, 1)
	if _, err := f.ledger.CreatePolicy(ctx, holder, req); !errors.Is(err, core.ErrInsufficientPayment) {
		t.Fatalf("expected underpayment, got %v", err)
	}

	req.Payment = f.attach(t, 9)
	if _, err := f.ledger.CreatePolicy(ctx, holder, req); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	_, err := f.ledger.CreatePolicy(ctx, holder, req)
	expectErr(t, err, core.ErrDuplicateRequest, fault.KindState)

	// the same key is independent per operation
	if err := f.ledger.AddManager(core.WithRequestKey(context.Background(), "req-1"), f.owner, uuid.New()); err != nil {
		t.Fatalf("AddManager: %v", err)
	}
	if n := len(f.ledger.PoliciesOf(holder)); n != 1 {
		t.Errorf("expected 1 policy, got %d", n)
	}
	outputs := drainOutputs(f.persist)
	if outputs[0].Envelope.RequestKey != "req-1" {
		t.Errorf("request key not carried: %q", outputs[0].Envelope.RequestKey)
	}
}

type stubDB struct{ keys map[string]bool }

func (s stubDB) IsDuplicate(op, key string) (bool, error) {
	return s.keys[core.CompositeKey(op, key)], nil
}

func TestIdempotency_PostgresTier(t *testing.T) {
	owner, custody := uuid.New(), uuid.New()
	l, err := core.NewLedger(core.Config{
		Owner:     owner,
		Custody:   custody,
		Adapter:   asset.NewVault(custody),
		DBChecker: stubDB{keys: map[string]bool{"add_manager:seen": true}},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = l.AddManager(core.WithRequestKey(context.Background(), "seen"), owner, uuid.New())
	expectErr(t, err, core.ErrDuplicateRequest, fault.KindState)
}

func TestSnapshot_RestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	holder, manager := uuid.New(), uuid.New()
	usdc := mustToken(t, "USDC")
	pid := f.nativePolicy(t, holder, 1000, 30, 3)
	_, _ = f.ledger.FileClaim(context.Background(), holder, pid, uint256.NewInt(10))
	_ = f.ledger.AddManager(core.WithRequestKey(context.Background(), "k"), f.owner, manager)
	f.topUp(t, usdc, 5)
	_ = f.ledger.Withdraw(context.Background(), f.owner, usdc, uint256.NewInt(5), f.owner)

	snap := f.ledger.CreateSnapshotState()
	if snap.Sequence != 4 {
		t.Fatalf("expected sequence 4, got %d", snap.Sequence)
	}

	restored, err := core.NewLedger(core.Config{Owner: f.owner, Custody: f.custody, Adapter: f.vault})
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}

	if restored.GetStateHash() != f.ledger.GetStateHash() || restored.GetSequence() != 5 {
		t.Errorf("chain not restored")
	}
	if !restored.IsManager(manager) {
		t.Error("manager not restored")
	}
	if p, err := restored.Policy(pid); err != nil || p.Premium.Uint64() != 9 {
		t.Errorf("policy not restored: %+v %v", p, err)
	}
	tot := totals(t, restored, usdc)
	if got := tot.Withdrawn.Uint64(); got != 5 {
		t.Errorf("totals not restored: %d", got)
	}
	err = restored.AddManager(core.WithRequestKey(context.Background(), "k"), f.owner, uuid.New())
	expectErr(t, err, core.ErrDuplicateRequest, fault.KindState)

	// ids continue after the restored ones
	restored.SetNowFunc(func() time.Time { return t0 })
	_ = f.vault.Credit(asset.Native(), f.custody, uint256.NewInt(9))
	id, err := restored.CreatePolicy(context.Background(), holder, core.CreatePolicyRequest{
		InsuredAmount: uint256.NewInt(1000), DurationDays: 30, RiskLevel: 3, Asset: asset.Native(), Payment: uint256.NewInt(9),
	})
	if err != nil || id != 2 {
		t.Fatalf("expected id 2, got %d %v", id, err)
	}

	if err := restored.RestoreFromSnapshot(snap); !errors.Is(err, core.ErrLedgerNotEmpty) {
		t.Errorf("expected ErrLedgerNotEmpty, got %v", err)
	}
}
