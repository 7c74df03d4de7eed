package query

import (
	"CoverLedger/internal/state"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	DefaultLimit = 100
	MaxLimit     = 500
)

var ErrInvalidFilter = errors.New("query: invalid filter")

// QueryService provides read-only access to the materialised tables and the
// notification log in Postgres. It never touches the in-memory ledger, so
// results trail it by whatever the persistence worker has not flushed yet;
// every response carries as_of_sequence for that reason.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetNotifications returns the log after afterSequence in ascending order.
// eventType, if set, restricts the page to one notification type.
func (qs *QueryService) GetNotifications(
	ctx context.Context,
	afterSequence int64,
	limit int,
	eventType string,
) (*NotificationPage, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	limit = clampLimit(limit)

	query := `
		SELECT sequence, op, request_key, event_type, payload, state_hash, prev_hash, ts
		FROM cover.notifications
		WHERE sequence > $1
	`
	args := []any{afterSequence}
	argIdx := 2

	if eventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, eventType)
		argIdx++
	}

	query += " ORDER BY sequence ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	entries, err := qs.scanNotifications(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	page := &NotificationPage{Entries: entries, AsOfSequence: asOfSeq}
	if len(entries) == limit {
		page.NextAfter = entries[len(entries)-1].Sequence
	}
	return page, nil
}

// GetPolicyHistory returns every notification that names policyID, oldest
// first: its creation, extensions, claims and cancellation.
func (qs *QueryService) GetPolicyHistory(ctx context.Context, policyID uint64, limit int) ([]NotificationEntry, error) {
	return qs.scanNotifications(ctx, `
		SELECT sequence, op, request_key, event_type, payload, state_hash, prev_hash, ts
		FROM cover.notifications
		WHERE (payload->>'policy_id')::bigint = $1
		ORDER BY sequence ASC
		LIMIT $2
	`, int64(policyID), clampLimit(limit))
}

// GetPoliciesByHolder pages through a holder's policies, newest first.
// status is "" for all or one of Active, Claimed, Cancelled.
func (qs *QueryService) GetPoliciesByHolder(
	ctx context.Context,
	holder uuid.UUID,
	status string,
	limit int,
	beforeID *uint64,
) (*PolicyPage, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	limit = clampLimit(limit)

	query := `
		SELECT policy_id, holder, premium::text, insured_amount::text,
		       start_time, end_time, risk_level, status, asset, updated_seq
		FROM cover.policies
		WHERE holder = $1
	`
	args := []any{holder}
	argIdx := 2

	if status != "" {
		st, err := parsePolicyStatus(status)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, int16(st))
		argIdx++
	}

	if beforeID != nil {
		query += fmt.Sprintf(" AND policy_id < $%d", argIdx)
		args = append(args, int64(*beforeID))
		argIdx++
	}

	query += " ORDER BY policy_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &PolicyPage{AsOfSequence: asOfSeq}
	for rows.Next() {
		var (
			p          PolicyRow
			id         int64
			risk, code int16
		)
		if err := rows.Scan(
			&id, &p.Holder, &p.Premium, &p.InsuredAmount,
			&p.StartTime, &p.EndTime, &risk, &code, &p.Asset, &p.UpdatedSeq,
		); err != nil {
			return nil, err
		}
		p.PolicyID = uint64(id)
		p.RiskLevel = uint8(risk)
		p.Status = state.PolicyStatus(code).String()
		page.Policies = append(page.Policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Policies) == limit {
		page.NextBefore = page.Policies[len(page.Policies)-1].PolicyID
	}
	return page, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted notification chain for broken links
// and missing sequences, and that each asset's claims_paid counter equals
// the sum of its approved claims. At most ten findings of each kind are
// reported.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report := &IntegrityReport{AsOfSequence: asOfSeq}

	report.HashChainBreaks, err = qs.scanSequences(ctx, `
		SELECT n.sequence
		FROM cover.notifications n
		JOIN cover.notifications p ON p.sequence = n.sequence - 1
		WHERE n.prev_hash <> p.state_hash
		ORDER BY n.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}

	report.SequenceGaps, err = qs.scanSequences(ctx, `
		SELECT n.sequence + 1
		FROM cover.notifications n
		WHERE n.sequence < (SELECT MAX(sequence) FROM cover.notifications)
		  AND NOT EXISTS (
		      SELECT 1 FROM cover.notifications m WHERE m.sequence = n.sequence + 1)
		ORDER BY 1
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT t.asset, t.claims_paid::text, COALESCE(SUM(c.amount), 0)::text
		FROM cover.asset_totals t
		LEFT JOIN cover.policies p ON p.asset = t.asset
		LEFT JOIN cover.claims c ON c.policy_id = p.policy_id AND c.status = $1
		GROUP BY t.asset, t.claims_paid
		HAVING t.claims_paid <> COALESCE(SUM(c.amount), 0)
		ORDER BY t.asset
		LIMIT 10
	`, int16(state.ClaimApproved))
	if err != nil {
		return nil, fmt.Errorf("claim totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m ClaimMismatch
		if err := rows.Scan(&m.Asset, &m.ClaimsPaid, &m.Approved); err != nil {
			return nil, err
		}
		report.ClaimMismatches = append(report.ClaimMismatches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.ClaimMismatches) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM cover.notifications
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) scanNotifications(ctx context.Context, query string, args ...any) ([]NotificationEntry, error) {
	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []NotificationEntry
	for rows.Next() {
		var (
			e              NotificationEntry
			payload        []byte
			stateHash, prv []byte
		)
		if err := rows.Scan(
			&e.Sequence, &e.Op, &e.RequestKey, &e.EventType,
			&payload, &stateHash, &prv, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.StateHash = hex.EncodeToString(stateHash)
		e.PrevHash = hex.EncodeToString(prv)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (qs *QueryService) scanSequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func parsePolicyStatus(s string) (state.PolicyStatus, error) {
	for st := state.PolicyActive; st <= state.PolicyCancelled; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: status %q", ErrInvalidFilter, s)
}
