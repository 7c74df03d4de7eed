package core

import (
	"CoverLedger/internal/access"
	"CoverLedger/internal/asset"
	"CoverLedger/internal/event"
	"CoverLedger/internal/fault"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Operation names, used for metrics, idempotency keys and command routing.
const (
	OpCreatePolicy  = "create_policy"
	OpExtendPolicy  = "extend_policy"
	OpCancelPolicy  = "cancel_policy"
	OpFileClaim     = "file_claim"
	OpProcessClaim  = "process_claim"
	OpWithdraw      = "withdraw"
	OpAddManager    = "add_manager"
	OpRemoveManager = "remove_manager"
)

// MaxDataLen bounds the free-form policy data string.
const MaxDataLen = 1024

// RoleChange records a manager grant or revocation for persistence.
type RoleChange struct {
	Party uuid.UUID
	Added bool
}

// Output is everything one committed operation produced: the hash-chained
// envelope plus post-operation copies of every record it touched.
type Output struct {
	Op       string
	Envelope *event.Envelope
	// Digest is what Envelope.StateHash was computed over.
	Digest   []byte
	Policies []state.Policy
	Claims   []state.Claim
	Totals   []state.AssetTotals
	Roles    []RoleChange

	// Custody balances and allowances changed since the previous output,
	// when the adapter keeps a journal. Not part of the hash.
	Balances   []asset.Holding
	Allowances []asset.Grant
}

// Config wires a Ledger to its collaborators. Owner, Custody and Adapter are
// required; everything else is optional.
type Config struct {
	Owner   uuid.UUID
	Custody uuid.UUID
	Adapter asset.Adapter

	// PersistChan receives every output with a blocking send.
	PersistChan chan<- Output
	// PublishChan receives outputs with a non-blocking send; full means drop.
	PublishChan chan<- Output

	DBChecker           DBIdempotencyChecker
	IdempotencyCapacity int

	Metrics *observability.Metrics
	Logger  *zerolog.Logger
}

// Ledger is the policy/claim state machine and settlement engine.
// Not thread-safe: run it behind an Executor when callers are concurrent.
type Ledger struct {
	custody uuid.UUID
	adapter asset.Adapter
	journal asset.Journal

	roles    *access.Roles
	policies *state.PolicyBook
	claims   *state.ClaimBook
	treasury *state.Treasury

	guard       Guard
	sequence    int64 // next sequence to assign
	hasher      *StateHasher
	idempotency *IdempotencyChecker

	nowFn   func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output
}

func NewLedger(cfg Config) (*Ledger, error) {
	roles, err := access.NewRoles(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	if cfg.Custody == uuid.Nil {
		return nil, fmt.Errorf("custody: %w", ErrZeroIdentity)
	}
	if cfg.Adapter == nil {
		return nil, errors.New("core: asset adapter is required")
	}

	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 100_000
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	journal, _ := cfg.Adapter.(asset.Journal)

	return &Ledger{
		custody:     cfg.Custody,
		adapter:     cfg.Adapter,
		journal:     journal,
		roles:       roles,
		policies:    state.NewPolicyBook(),
		claims:      state.NewClaimBook(),
		treasury:    state.NewTreasury(),
		sequence:    1,
		hasher:      NewStateHasher(),
		idempotency: NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics),
		nowFn:       time.Now,
		metrics:     cfg.Metrics,
		logger:      logger,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
	}, nil
}

// SetNowFunc overrides the clock. Timestamps are taken once per operation.
func (l *Ledger) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	l.nowFn = fn
}

// begin opens a guarded operation. On success the caller must defer release
// and then defer finish, in that order, so finish runs while still guarded.
func (l *Ledger) begin(ctx context.Context, name string, caller uuid.UUID) (*op, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	release, err := l.guard.Enter()
	if err != nil {
		l.reject(name, caller, err)
		return nil, nil, err
	}
	key := RequestKey(ctx)
	if l.idempotency.IsDuplicate(name, key) {
		release()
		err = fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
		l.reject(name, caller, err)
		return nil, nil, err
	}
	now := l.nowFn()
	return &op{
		name:       name,
		caller:     caller,
		requestKey: key,
		started:    time.Now(),
		now:        now.Unix(),
	}, release, nil
}

// finish rolls the operation back on failure or commits and emits it.
func (l *Ledger) finish(o *op, err error) {
	if err != nil {
		o.rollback()
		l.reject(o.name, o.caller, err)
		return
	}
	l.commit(o)
}

func (l *Ledger) reject(name string, caller uuid.UUID, err error) {
	if l.metrics != nil {
		l.metrics.CoreOpsRejected.WithLabelValues(name, fault.CodeOf(err)).Inc()
		if errors.Is(err, ErrReentrantCall) {
			l.metrics.ReentryBlocked.Inc()
		}
	}
	l.logger.Warn().
		Err(err).
		Str("op", name).
		Str("caller", caller.String()).
		Str("kind", fault.KindOf(err).String()).
		Str("code", fault.CodeOf(err)).
		Msg("operation rejected")
}

func (l *Ledger) commit(o *op) {
	out := l.buildOutput(o)

	// Persistence: blocking send. The ledger stalls until the worker drains
	// so no committed output is lost.
	if l.persistChan != nil {
		l.persistChan <- out
	}

	// Publishing: non-blocking send, drop on full.
	if l.publishChan != nil {
		select {
		case l.publishChan <- out:
		default:
			if l.metrics != nil {
				l.metrics.PublishDrops.Inc()
			}
		}
	}

	l.idempotency.MarkProcessed(o.name, o.requestKey)

	if l.metrics != nil {
		l.metrics.CoreOpsApplied.WithLabelValues(o.name).Inc()
		l.metrics.CoreOpDuration.WithLabelValues(o.name).Observe(time.Since(o.started).Seconds())
		l.metrics.CoreSequence.Set(float64(l.sequence))
	}
	l.logger.Debug().
		Str("op", o.name).
		Int64("sequence", out.Envelope.Sequence).
		Str("caller", o.caller.String()).
		Msg("operation committed")
}

func (l *Ledger) buildOutput(o *op) Output {
	out := Output{Op: o.name, Roles: o.roles}
	digest := make([]byte, 0, 256)

	for _, id := range o.policies {
		p := *l.policies.Get(id)
		out.Policies = append(out.Policies, p)
		digest = append(digest, p.CanonicalBytes()...)
	}
	for _, id := range o.claims {
		c := *l.claims.Get(id)
		out.Claims = append(out.Claims, c)
		digest = append(digest, c.CanonicalBytes()...)
	}
	for _, ref := range o.assets {
		t := l.treasury.Totals(ref)
		out.Totals = append(out.Totals, t)
		digest = append(digest, t.CanonicalBytes()...)
	}
	for _, rc := range o.roles {
		digest = append(digest, rc.Party[:]...)
		if rc.Added {
			digest = append(digest, 1)
		} else {
			digest = append(digest, 0)
		}
	}

	payload, err := event.Encode(o.notification)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot encode committed notification: %v", err))
	}
	digest = append(digest, payload...)

	if l.journal != nil {
		out.Balances, out.Allowances = l.journal.TakeChanges()
	}

	prev := l.hasher.GetPrevHash()
	hash := l.hasher.ComputeHash(l.sequence, digest)
	out.Digest = digest
	out.Envelope = &event.Envelope{
		Sequence:   l.sequence,
		RequestKey: o.requestKey,
		Type:       o.notification.Type(),
		Timestamp:  o.now,
		Payload:    payload,
		StateHash:  hash,
		PrevHash:   prev,
	}
	l.sequence++
	return out
}

// checkCaller rejects callers that cannot be a policy holder or claimant.
func (l *Ledger) checkCaller(caller uuid.UUID) error {
	switch caller {
	case uuid.Nil:
		return ErrZeroIdentity
	case l.custody:
		return ErrCallerIsCustody
	}
	return nil
}

// --- adapter plumbing ---

func (l *Ledger) transferOut(ctx context.Context, ref asset.Ref, to uuid.UUID, amount *uint256.Int) error {
	if err := l.adapter.TransferOut(ctx, ref, to, amount); err != nil {
		if l.metrics != nil {
			l.metrics.TransferFailure.WithLabelValues("out", ref.Key()).Inc()
		}
		return fmt.Errorf("%w: out %s %s to %s: %w", ErrTransferFailed, amount.Dec(), ref, to, err)
	}
	if l.metrics != nil {
		l.metrics.Transfers.WithLabelValues("out", ref.Key()).Inc()
	}
	return nil
}

func (l *Ledger) pullIn(ctx context.Context, ref asset.Ref, from uuid.UUID, amount *uint256.Int) error {
	if err := l.adapter.PullIn(ctx, ref, from, amount); err != nil {
		if l.metrics != nil {
			l.metrics.TransferFailure.WithLabelValues("in", ref.Key()).Inc()
		}
		return fmt.Errorf("%w: in %s %s from %s: %w", ErrTransferFailed, amount.Dec(), ref, from, err)
	}
	if l.metrics != nil {
		l.metrics.Transfers.WithLabelValues("in", ref.Key()).Inc()
	}
	return nil
}

func (l *Ledger) custodyBalance(ctx context.Context, ref asset.Ref) (*uint256.Int, error) {
	bal, err := l.adapter.Balance(ctx, ref, l.custody)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %s: %w", ErrAdapterQuery, ref, err)
	}
	return bal, nil
}

// requireBalance is consulted before every outbound transfer.
func (l *Ledger) requireBalance(ctx context.Context, ref asset.Ref, amount *uint256.Int) error {
	bal, err := l.custodyBalance(ctx, ref)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has=%s, need=%s", ErrInsufficientBalance, ref, bal.Dec(), amount.Dec())
	}
	return nil
}

// checkPayment validates how the caller pays `due` before anything is
// mutated. For native it returns the excess to refund; for tokens it checks
// the allowance granted to custody.
func (l *Ledger) checkPayment(ctx context.Context, ref asset.Ref, payer uuid.UUID, due, payment *uint256.Int) (*uint256.Int, error) {
	paid := new(uint256.Int)
	if payment != nil {
		paid.Set(payment)
	}

	if ref.IsNative() {
		if paid.Lt(due) {
			return nil, fmt.Errorf("%w: paid=%s, premium=%s", ErrInsufficientPayment, paid.Dec(), due.Dec())
		}
		return paid.Sub(paid, due), nil
	}

	if !paid.IsZero() {
		return nil, ErrUnexpectedPayment
	}
	allowed, err := l.adapter.Allowance(ctx, ref, payer, l.custody)
	if err != nil {
		return nil, fmt.Errorf("%w: allowance of %s: %w", ErrAdapterQuery, ref, err)
	}
	if allowed.Lt(due) {
		return nil, fmt.Errorf("%w: %s allowance=%s, premium=%s", ErrInsufficientAllowance, ref, allowed.Dec(), due.Dec())
	}
	return paid, nil
}

// settlePayment is the single external call of create and extend: refund
// the native excess, or pull the token premium.
func (l *Ledger) settlePayment(ctx context.Context, ref asset.Ref, payer uuid.UUID, due, excess *uint256.Int) error {
	if ref.IsNative() {
		if excess.IsZero() {
			return nil
		}
		return l.transferOut(ctx, ref, payer, excess)
	}
	if due.IsZero() {
		return nil
	}
	return l.pullIn(ctx, ref, payer, due)
}

func (l *Ledger) addCounter(o *op, ref asset.Ref, c state.Counter, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if !l.treasury.Add(ref, c, amount) {
		return fmt.Errorf("%w: %s %s", ErrArithmeticOverflow, ref, c)
	}
	amt := amount.Clone()
	o.onRollback(func() { l.treasury.Sub(ref, c, amt) })
	o.touchAsset(ref)
	return nil
}

func normalizeAsset(ref asset.Ref) (asset.Ref, error) {
	n, err := ref.Normalize()
	if err != nil {
		return asset.Ref{}, fmt.Errorf("%w: %w", ErrInvalidAsset, err)
	}
	return n, nil
}

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}
