package persistence

import (
	"CoverLedger/internal/asset"
	"CoverLedger/internal/core"
	"CoverLedger/internal/state"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NotificationRow represents a row in cover.notifications.
type NotificationRow struct {
	Sequence   int64
	Op         string
	RequestKey string
	EventType  string
	Payload    []byte // JSON-encoded notification
	StateHash  []byte
	PrevHash   []byte
	Timestamp  int64
	Digest     []byte // bytes StateHash was computed over
}

// Batch is a set of core outputs collapsed into the rows one flush writes.
// A record touched several times in the batch is written once, at its latest
// version, so every upsert statement touches each key at most once.
type Batch struct {
	Notifications []NotificationRow

	policies  map[uint64]versioned[state.Policy]
	claims    map[uint64]versioned[state.Claim]
	totals    map[string]versioned[state.AssetTotals]
	managers  map[uuid.UUID]versioned[bool]
	policyIDs []uint64
	claimIDs  []uint64
	assetKeys []string
	parties   []uuid.UUID

	balances      map[balanceKey]versioned[asset.Holding]
	allowances    map[grantKey]versioned[asset.Grant]
	balanceKeys   []balanceKey
	allowanceKeys []grantKey
}

type balanceKey struct {
	party uuid.UUID
	asset string
}

type grantKey struct {
	owner, spender uuid.UUID
	asset          string
}

type versioned[T any] struct {
	v   T
	seq int64
}

// NewBatch collapses outputs, which must be in sequence order.
func NewBatch(outputs []core.Output) *Batch {
	b := &Batch{
		Notifications: make([]NotificationRow, 0, len(outputs)),
		policies:      make(map[uint64]versioned[state.Policy]),
		claims:        make(map[uint64]versioned[state.Claim]),
		totals:        make(map[string]versioned[state.AssetTotals]),
		managers:      make(map[uuid.UUID]versioned[bool]),
		balances:      make(map[balanceKey]versioned[asset.Holding]),
		allowances:    make(map[grantKey]versioned[asset.Grant]),
	}
	for _, out := range outputs {
		b.add(out)
	}
	return b
}

func (b *Batch) add(out core.Output) {
	env := out.Envelope
	seq := env.Sequence

	b.Notifications = append(b.Notifications, NotificationRow{
		Sequence:   seq,
		Op:         out.Op,
		RequestKey: env.RequestKey,
		EventType:  env.Type.String(),
		Payload:    env.Payload,
		StateHash:  env.StateHash[:],
		PrevHash:   env.PrevHash[:],
		Timestamp:  env.Timestamp,
		Digest:     out.Digest,
	})

	for _, p := range out.Policies {
		if _, ok := b.policies[p.ID]; !ok {
			b.policyIDs = append(b.policyIDs, p.ID)
		}
		b.policies[p.ID] = versioned[state.Policy]{p, seq}
	}
	for _, c := range out.Claims {
		if _, ok := b.claims[c.ID]; !ok {
			b.claimIDs = append(b.claimIDs, c.ID)
		}
		b.claims[c.ID] = versioned[state.Claim]{c, seq}
	}
	for _, t := range out.Totals {
		key := t.Asset.Key()
		if _, ok := b.totals[key]; !ok {
			b.assetKeys = append(b.assetKeys, key)
		}
		b.totals[key] = versioned[state.AssetTotals]{t, seq}
	}
	for _, rc := range out.Roles {
		if _, ok := b.managers[rc.Party]; !ok {
			b.parties = append(b.parties, rc.Party)
		}
		b.managers[rc.Party] = versioned[bool]{rc.Added, seq}
	}
	for _, h := range out.Balances {
		key := balanceKey{h.Party, h.Asset}
		if _, ok := b.balances[key]; !ok {
			b.balanceKeys = append(b.balanceKeys, key)
		}
		b.balances[key] = versioned[asset.Holding]{h, seq}
	}
	for _, g := range out.Allowances {
		key := grantKey{g.Owner, g.Spender, g.Asset}
		if _, ok := b.allowances[key]; !ok {
			b.allowanceKeys = append(b.allowanceKeys, key)
		}
		b.allowances[key] = versioned[asset.Grant]{g, seq}
	}
}

// LastSequence returns the highest sequence in the batch, 0 if empty.
func (b *Batch) LastSequence() int64 {
	if len(b.Notifications) == 0 {
		return 0
	}
	return b.Notifications[len(b.Notifications)-1].Sequence
}

// Writer writes batches using multi-row INSERT ... ON CONFLICT statements.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// WriteBatch writes every table of the batch through ex, in foreign-key
// order. Callers run it inside a transaction.
func (w *Writer) WriteBatch(ctx context.Context, ex execer, b *Batch) error {
	if err := w.writePolicies(ctx, ex, b); err != nil {
		return fmt.Errorf("write policies: %w", err)
	}
	if err := w.writeClaims(ctx, ex, b); err != nil {
		return fmt.Errorf("write claims: %w", err)
	}
	if err := w.writeTotals(ctx, ex, b); err != nil {
		return fmt.Errorf("write totals: %w", err)
	}
	if err := w.writeManagers(ctx, ex, b); err != nil {
		return fmt.Errorf("write managers: %w", err)
	}
	if err := w.writeBalances(ctx, ex, b); err != nil {
		return fmt.Errorf("write balances: %w", err)
	}
	if err := w.writeAllowances(ctx, ex, b); err != nil {
		return fmt.Errorf("write allowances: %w", err)
	}
	if err := w.WriteNotifications(ctx, ex, b.Notifications); err != nil {
		return fmt.Errorf("write notifications: %w", err)
	}
	return nil
}

// WriteNotifications appends to the notification log. Re-writing an existing
// sequence is a no-op so a retried flush is idempotent.
func (w *Writer) WriteNotifications(ctx context.Context, ex execer, rows []NotificationRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 9
	args := make([]any, 0, len(rows)*cols)
	for _, r := range rows {
		args = append(args,
			r.Sequence, r.Op, r.RequestKey, r.EventType,
			r.Payload, r.StateHash, r.PrevHash, r.Timestamp, r.Digest,
		)
	}

	query := `INSERT INTO cover.notifications
		(sequence, op, request_key, event_type, payload, state_hash, prev_hash, ts, digest)
		VALUES ` + placeholders(len(rows), cols) +
		` ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func (w *Writer) writePolicies(ctx context.Context, ex execer, b *Batch) error {
	if len(b.policyIDs) == 0 {
		return nil
	}
	const cols = 11
	args := make([]any, 0, len(b.policyIDs)*cols)
	for _, id := range b.policyIDs {
		rec := b.policies[id]
		p := rec.v
		args = append(args,
			int64(p.ID), p.Holder, p.Premium.Dec(), p.InsuredAmount.Dec(),
			p.StartTime, p.EndTime, int16(p.RiskLevel), p.Data,
			int16(p.Status), p.Asset.Key(), rec.seq,
		)
	}

	query := `INSERT INTO cover.policies
		(policy_id, holder, premium, insured_amount, start_time, end_time, risk_level, data, status, asset, updated_seq)
		VALUES ` + placeholders(len(b.policyIDs), cols) + `
		ON CONFLICT (policy_id) DO UPDATE SET
			premium = EXCLUDED.premium,
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			updated_seq = EXCLUDED.updated_seq`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func (w *Writer) writeClaims(ctx context.Context, ex execer, b *Batch) error {
	if len(b.claimIDs) == 0 {
		return nil
	}
	const cols = 7
	args := make([]any, 0, len(b.claimIDs)*cols)
	for _, id := range b.claimIDs {
		rec := b.claims[id]
		c := rec.v
		args = append(args,
			int64(c.ID), int64(c.PolicyID), c.Claimant, c.Amount.Dec(),
			c.FiledAt, int16(c.Status), rec.seq,
		)
	}

	query := `INSERT INTO cover.claims
		(claim_id, policy_id, claimant, amount, filed_at, status, updated_seq)
		VALUES ` + placeholders(len(b.claimIDs), cols) + `
		ON CONFLICT (claim_id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_seq = EXCLUDED.updated_seq`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func (w *Writer) writeTotals(ctx context.Context, ex execer, b *Batch) error {
	if len(b.assetKeys) == 0 {
		return nil
	}
	const cols = 6
	args := make([]any, 0, len(b.assetKeys)*cols)
	for _, key := range b.assetKeys {
		rec := b.totals[key]
		t := rec.v
		args = append(args,
			key, t.PremiumsCollected.Dec(), t.ClaimsPaid.Dec(),
			t.RefundsPaid.Dec(), t.Withdrawn.Dec(), rec.seq,
		)
	}

	query := `INSERT INTO cover.asset_totals
		(asset, premiums_collected, claims_paid, refunds_paid, withdrawn, updated_seq)
		VALUES ` + placeholders(len(b.assetKeys), cols) + `
		ON CONFLICT (asset) DO UPDATE SET
			premiums_collected = EXCLUDED.premiums_collected,
			claims_paid = EXCLUDED.claims_paid,
			refunds_paid = EXCLUDED.refunds_paid,
			withdrawn = EXCLUDED.withdrawn,
			updated_seq = EXCLUDED.updated_seq`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// writeManagers applies the net role change per party: grants are upserted,
// revocations deleted.
func (w *Writer) writeManagers(ctx context.Context, ex execer, b *Batch) error {
	var granted []any
	var revoked []string
	rows := 0
	for _, party := range b.parties {
		rec := b.managers[party]
		if rec.v {
			granted = append(granted, party, rec.seq)
			rows++
		} else {
			revoked = append(revoked, party.String())
		}
	}

	if rows > 0 {
		query := `INSERT INTO cover.managers (party, granted_seq) VALUES ` +
			placeholders(rows, 2) +
			` ON CONFLICT (party) DO UPDATE SET granted_seq = EXCLUDED.granted_seq`
		if _, err := ex.ExecContext(ctx, query, granted...); err != nil {
			return err
		}
	}
	if len(revoked) > 0 {
		if _, err := ex.ExecContext(ctx,
			`DELETE FROM cover.managers WHERE party = ANY($1::uuid[])`,
			pq.Array(revoked),
		); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeBalances(ctx context.Context, ex execer, b *Batch) error {
	if len(b.balanceKeys) == 0 {
		return nil
	}
	const cols = 4
	args := make([]any, 0, len(b.balanceKeys)*cols)
	for _, key := range b.balanceKeys {
		rec := b.balances[key]
		args = append(args, rec.v.Party, rec.v.Asset, rec.v.Amount.Dec(), rec.seq)
	}

	query := `INSERT INTO cover.balances
		(party, asset, amount, updated_seq)
		VALUES ` + placeholders(len(b.balanceKeys), cols) + `
		ON CONFLICT (party, asset) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_seq = EXCLUDED.updated_seq`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func (w *Writer) writeAllowances(ctx context.Context, ex execer, b *Batch) error {
	if len(b.allowanceKeys) == 0 {
		return nil
	}
	const cols = 5
	args := make([]any, 0, len(b.allowanceKeys)*cols)
	for _, key := range b.allowanceKeys {
		rec := b.allowances[key]
		g := rec.v
		args = append(args, g.Owner, g.Spender, g.Asset, g.Amount.Dec(), rec.seq)
	}

	query := `INSERT INTO cover.allowances
		(owner, spender, asset, amount, updated_seq)
		VALUES ` + placeholders(len(b.allowanceKeys), cols) + `
		ON CONFLICT (owner, spender, asset) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_seq = EXCLUDED.updated_seq`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($1, $2), ($3, $4)" for rows x cols parameters.
func placeholders(rows, cols int) string {
	var sb strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}
