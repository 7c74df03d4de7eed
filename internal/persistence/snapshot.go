package persistence

import (
	"CoverLedger/internal/asset"
	"CoverLedger/internal/core"
	"CoverLedger/internal/state"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrChainBroken = errors.New("persistence: notification chain broken")

// StateLoader rebuilds ledger state from the materialised tables on restart
// and verifies the notification hash chain.
type StateLoader struct {
	db *sql.DB
	// keyWindow bounds how many recent request keys warm the LRU.
	keyWindow int
}

func NewStateLoader(db *sql.DB, keyWindow int) *StateLoader {
	if keyWindow <= 0 {
		keyWindow = 100_000
	}
	return &StateLoader{db: db, keyWindow: keyWindow}
}

// Load reads the full persisted state. An empty database yields an empty
// snapshot with sequence 0.
func (sl *StateLoader) Load(ctx context.Context) (*core.SnapshotState, error) {
	snap := &core.SnapshotState{}

	seq, hash, err := sl.tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tip: %w", err)
	}
	snap.Sequence = seq
	snap.StateHash = hash

	if snap.Policies, err = sl.loadPolicies(ctx); err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	if snap.Claims, err = sl.loadClaims(ctx); err != nil {
		return nil, fmt.Errorf("load claims: %w", err)
	}
	if snap.Totals, err = sl.loadTotals(ctx); err != nil {
		return nil, fmt.Errorf("load totals: %w", err)
	}
	if snap.Managers, err = sl.loadManagers(ctx); err != nil {
		return nil, fmt.Errorf("load managers: %w", err)
	}
	if snap.RequestKeys, err = sl.loadRequestKeys(ctx); err != nil {
		return nil, fmt.Errorf("load request keys: %w", err)
	}
	return snap, nil
}

func (sl *StateLoader) tip(ctx context.Context) (int64, [32]byte, error) {
	var seq int64
	var raw []byte
	var hash [32]byte
	err := sl.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM cover.notifications
		ORDER BY sequence DESC
		LIMIT 1`).Scan(&seq, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, hash, nil
	}
	if err != nil {
		return 0, hash, err
	}
	if len(raw) != len(hash) {
		return 0, hash, fmt.Errorf("state hash at %d has %d bytes", seq, len(raw))
	}
	copy(hash[:], raw)
	return seq, hash, nil
}

func (sl *StateLoader) loadPolicies(ctx context.Context) ([]state.Policy, error) {
	rows, err := sl.db.QueryContext(ctx, `
		SELECT policy_id, holder, premium::text, insured_amount::text,
		       start_time, end_time, risk_level, data, status, asset
		FROM cover.policies
		ORDER BY policy_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.Policy
	for rows.Next() {
		var (
			p                state.Policy
			id               int64
			premium, insured string
			risk, status     int16
			assetKey         string
		)
		if err := rows.Scan(&id, &p.Holder, &premium, &insured,
			&p.StartTime, &p.EndTime, &risk, &p.Data, &status, &assetKey); err != nil {
			return nil, err
		}
		p.ID = uint64(id)
		p.RiskLevel = uint8(risk)
		p.Status = state.PolicyStatus(status)
		if err := setDecimal(&p.Premium, premium); err != nil {
			return nil, fmt.Errorf("policy %d premium: %w", id, err)
		}
		if err := setDecimal(&p.InsuredAmount, insured); err != nil {
			return nil, fmt.Errorf("policy %d insured amount: %w", id, err)
		}
		if p.Asset, err = asset.ParseRef(assetKey); err != nil {
			return nil, fmt.Errorf("policy %d asset: %w", id, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (sl *StateLoader) loadClaims(ctx context.Context) ([]state.Claim, error) {
	rows, err := sl.db.QueryContext(ctx, `
		SELECT claim_id, policy_id, claimant, amount::text, filed_at, status
		FROM cover.claims
		ORDER BY claim_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.Claim
	for rows.Next() {
		var (
			c            state.Claim
			id, policyID int64
			amount       string
			status       int16
		)
		if err := rows.Scan(&id, &policyID, &c.Claimant, &amount, &c.FiledAt, &status); err != nil {
			return nil, err
		}
		c.ID = uint64(id)
		c.PolicyID = uint64(policyID)
		c.Status = state.ClaimStatus(status)
		if err := setDecimal(&c.Amount, amount); err != nil {
			return nil, fmt.Errorf("claim %d amount: %w", id, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (sl *StateLoader) loadTotals(ctx context.Context) ([]state.AssetTotals, error) {
	rows, err := sl.db.QueryContext(ctx, `
		SELECT asset, premiums_collected::text, claims_paid::text,
		       refunds_paid::text, withdrawn::text
		FROM cover.asset_totals
		ORDER BY asset ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.AssetTotals
	for rows.Next() {
		var key string
		var amounts [4]string
		if err := rows.Scan(&key, &amounts[0], &amounts[1], &amounts[2], &amounts[3]); err != nil {
			return nil, err
		}
		var t state.AssetTotals
		if t.Asset, err = asset.ParseRef(key); err != nil {
			return nil, err
		}
		for i, dst := range []*uint256.Int{&t.PremiumsCollected, &t.ClaimsPaid, &t.RefundsPaid, &t.Withdrawn} {
			if err := setDecimal(dst, amounts[i]); err != nil {
				return nil, fmt.Errorf("totals %s: %w", key, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (sl *StateLoader) loadManagers(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := sl.db.QueryContext(ctx, `SELECT party FROM cover.managers ORDER BY party ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var party uuid.UUID
		if err := rows.Scan(&party); err != nil {
			return nil, err
		}
		out = append(out, party)
	}
	return out, rows.Err()
}

// loadRequestKeys returns the newest composite keys, oldest first.
func (sl *StateLoader) loadRequestKeys(ctx context.Context) ([]string, error) {
	rows, err := sl.db.QueryContext(ctx, `
		SELECT op, request_key FROM cover.notifications
		WHERE request_key <> ''
		ORDER BY sequence DESC
		LIMIT $1`, sl.keyWindow)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var op, key string
		if err := rows.Scan(&op, &key); err != nil {
			return nil, err
		}
		keys = append(keys, core.CompositeKey(op, key))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, nil
}

// LoadVault reads the persisted custody balances and token allowances.
// Zero rows are skipped.
func (sl *StateLoader) LoadVault(ctx context.Context) ([]asset.Holding, []asset.Grant, error) {
	holdings, err := sl.loadBalances(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load balances: %w", err)
	}
	grants, err := sl.loadAllowances(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load allowances: %w", err)
	}
	return holdings, grants, nil
}

func (sl *StateLoader) loadBalances(ctx context.Context) ([]asset.Holding, error) {
	rows, err := sl.db.QueryContext(ctx, `
		SELECT party, asset, amount::text FROM cover.balances
		WHERE amount > 0
		ORDER BY party, asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []asset.Holding
	for rows.Next() {
		var h asset.Holding
		var amount string
		if err := rows.Scan(&h.Party, &h.Asset, &amount); err != nil {
			return nil, err
		}
		if err := setDecimal(&h.Amount, amount); err != nil {
			return nil, fmt.Errorf("balance %s/%s: %w", h.Party, h.Asset, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (sl *StateLoader) loadAllowances(ctx context.Context) ([]asset.Grant, error) {
	rows, err := sl.db.QueryContext(ctx, `
		SELECT owner, spender, asset, amount::text FROM cover.allowances
		WHERE amount > 0
		ORDER BY owner, spender, asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []asset.Grant
	for rows.Next() {
		var g asset.Grant
		var amount string
		if err := rows.Scan(&g.Owner, &g.Spender, &g.Asset, &amount); err != nil {
			return nil, err
		}
		if err := setDecimal(&g.Amount, amount); err != nil {
			return nil, fmt.Errorf("allowance %s/%s: %w", g.Owner, g.Asset, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// LoadNotificationsFrom loads up to limit notifications starting at
// fromSequence, in order.
func (sl *StateLoader) LoadNotificationsFrom(ctx context.Context, fromSequence int64, limit int) ([]NotificationRow, error) {
	rows, err := sl.db.QueryContext(ctx, `
		SELECT sequence, op, request_key, event_type, payload, state_hash, prev_hash, ts, digest
		FROM cover.notifications
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotificationRow
	for rows.Next() {
		var r NotificationRow
		if err := rows.Scan(&r.Sequence, &r.Op, &r.RequestKey, &r.EventType,
			&r.Payload, &r.StateHash, &r.PrevHash, &r.Timestamp, &r.Digest); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// VerifyChain walks the whole notification log in pages and checks that
// sequences are contiguous from 1, that each prev hash is the preceding
// state hash starting from genesis, and that each state hash recomputes
// from its prev hash, sequence and stored digest. It returns the number of
// links checked.
func (sl *StateLoader) VerifyChain(ctx context.Context, pageSize int) (int64, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	genesis := core.GenesisHash()
	prev := genesis[:]
	next := int64(1)

	for {
		page, err := sl.LoadNotificationsFrom(ctx, next, pageSize)
		if err != nil {
			return next - 1, err
		}
		if len(page) == 0 {
			return next - 1, nil
		}
		if prev, err = verifyLinks(page, next, prev); err != nil {
			return next - 1, err
		}
		next = page[len(page)-1].Sequence + 1
	}
}

// verifyLinks checks one ordered run of rows against the expected first
// sequence and the tip preceding it, returning the new tip.
func verifyLinks(rows []NotificationRow, first int64, prev []byte) ([]byte, error) {
	want := first
	for _, r := range rows {
		if r.Sequence != want {
			return nil, fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, want, r.Sequence)
		}
		if !bytes.Equal(r.PrevHash, prev) {
			return nil, fmt.Errorf("%w: prev hash mismatch at %d", ErrChainBroken, r.Sequence)
		}
		if len(r.Digest) == 0 {
			return nil, fmt.Errorf("%w: no digest stored at %d", ErrChainBroken, r.Sequence)
		}
		var link [32]byte
		copy(link[:], r.PrevHash)
		if want := core.ChainHash(link, r.Sequence, r.Digest); !bytes.Equal(r.StateHash, want[:]) {
			return nil, fmt.Errorf("%w: state hash does not recompute at %d", ErrChainBroken, r.Sequence)
		}
		prev = r.StateHash
		want++
	}
	return prev, nil
}

func setDecimal(dst *uint256.Int, s string) error {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return err
	}
	dst.Set(v)
	return nil
}
