package ingestion

import (
	"CoverLedger/internal/asset"
	"CoverLedger/internal/core"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Command is one parsed ledger call. Apply runs on the executor goroutine.
type Command interface {
	Op() string
	Caller() uuid.UUID
	RequestKey() string
	// Attached is the native value sent with the call, nil when none.
	Attached() *uint256.Int
	Apply(ctx context.Context, l *core.Ledger) (Result, error)
}

// Result is what a command returns to its submitter.
type Result struct {
	Op       string `json:"op"`
	Sequence int64  `json:"sequence"`
	PolicyID uint64 `json:"policy_id,omitempty"`
	ClaimID  uint64 `json:"claim_id,omitempty"`
	Refund   string `json:"refund,omitempty"`
}

// ParseCommand decodes a JSON command body for op. Amounts travel as decimal
// strings so the full uint256 range survives JSON.
func ParseCommand(op string, data []byte) (Command, error) {
	switch op {
	case core.OpCreatePolicy:
		return parseCreatePolicy(data)
	case core.OpExtendPolicy:
		return parseExtendPolicy(data)
	case core.OpCancelPolicy:
		return parseCancelPolicy(data)
	case core.OpFileClaim:
		return parseFileClaim(data)
	case core.OpProcessClaim:
		return parseProcessClaim(data)
	case core.OpWithdraw:
		return parseWithdraw(data)
	case core.OpAddManager, core.OpRemoveManager:
		return parseManagerChange(op, data)
	default:
		return nil, fmt.Errorf("unknown command: %s", op)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type headerJSON struct {
	Caller     string `json:"caller"`
	RequestKey string `json:"request_key"`
}

type header struct {
	op         string
	caller     uuid.UUID
	requestKey string
}

func (h header) Op() string             { return h.op }
func (h header) Caller() uuid.UUID      { return h.caller }
func (h header) RequestKey() string     { return h.requestKey }
func (h header) Attached() *uint256.Int { return nil }

func (h *header) bind(caller uuid.UUID) { h.caller = caller }

// BindCaller replaces the caller carried in the body. Transports that
// identify callers out of band, like the gRPC x-caller-id header, use it.
func BindCaller(cmd Command, caller uuid.UUID) {
	if b, ok := cmd.(interface{ bind(uuid.UUID) }); ok {
		b.bind(caller)
	}
}

// parseHeader leaves the caller nil when the body omits it; the ledger
// rejects a nil caller.
func parseHeader(op string, j headerJSON) (header, error) {
	h := header{op: op, requestKey: j.RequestKey}
	if j.Caller == "" {
		return h, nil
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return header{}, fmt.Errorf("parse caller: %w", err)
	}
	h.caller = caller
	return h, nil
}

type createPolicyJSON struct {
	headerJSON
	InsuredAmount string `json:"insured_amount"`
	DurationDays  uint64 `json:"duration_days"`
	RiskLevel     uint8  `json:"risk_level"`
	Data          string `json:"data"`
	Asset         string `json:"asset"`
	Payment       string `json:"payment"`
}

// CreatePolicy issues a policy. Asset defaults to native.
type CreatePolicy struct {
	header
	Request core.CreatePolicyRequest
}

func (c *CreatePolicy) Attached() *uint256.Int { return c.Request.Payment }

func (c *CreatePolicy) Apply(ctx context.Context, l *core.Ledger) (Result, error) {
	id, err := l.CreatePolicy(ctx, c.caller, c.Request)
	if err != nil {
		return Result{}, err
	}
	return Result{PolicyID: id}, nil
}

func parseCreatePolicy(data []byte) (*CreatePolicy, error) {
	var j createPolicyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse create_policy: %w", err)
	}
	h, err := parseHeader(core.OpCreatePolicy, j.headerJSON)
	if err != nil {
		return nil, err
	}
	insured, err := parseAmount("insured_amount", j.InsuredAmount)
	if err != nil {
		return nil, err
	}
	payment, err := parseOptionalAmount("payment", j.Payment)
	if err != nil {
		return nil, err
	}
	ref, err := parseAsset(j.Asset)
	if err != nil {
		return nil, err
	}
	return &CreatePolicy{
		header: h,
		Request: core.CreatePolicyRequest{
			InsuredAmount: insured,
			DurationDays:  j.DurationDays,
			RiskLevel:     j.RiskLevel,
			Data:          j.Data,
			Asset:         ref,
			Payment:       payment,
		},
	}, nil
}

type extendPolicyJSON struct {
	headerJSON
	PolicyID       uint64 `json:"policy_id"`
	AdditionalDays uint64 `json:"additional_days"`
	Payment        string `json:"payment"`
}

type ExtendPolicy struct {
	header
	PolicyID       uint64
	AdditionalDays uint64
	Payment        *uint256.Int
}

func (c *ExtendPolicy) Attached() *uint256.Int { return c.Payment }

func (c *ExtendPolicy) Apply(ctx context.Context, l *core.Ledger) (Result, error) {
	if err := l.ExtendPolicy(ctx, c.caller, c.PolicyID, c.AdditionalDays, c.Payment); err != nil {
		return Result{}, err
	}
	return Result{PolicyID: c.PolicyID}, nil
}

func parseExtendPolicy(data []byte) (*ExtendPolicy, error) {
	var j extendPolicyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse extend_policy: %w", err)
	}
	h, err := parseHeader(core.OpExtendPolicy, j.headerJSON)
	if err != nil {
		return nil, err
	}
	payment, err := parseOptionalAmount("payment", j.Payment)
	if err != nil {
		return nil, err
	}
	return &ExtendPolicy{header: h, PolicyID: j.PolicyID, AdditionalDays: j.AdditionalDays, Payment: payment}, nil
}

type policyRefJSON struct {
	headerJSON
	PolicyID uint64 `json:"policy_id"`
}

type CancelPolicy struct {
	header
	PolicyID uint64
}

func (c *CancelPolicy) Apply(ctx context.Context, l *core.Ledger) (Result, error) {
	refund, err := l.CancelPolicy(ctx, c.caller, c.PolicyID)
	if err != nil {
		return Result{}, err
	}
	return Result{PolicyID: c.PolicyID, Refund: refund.Dec()}, nil
}

func parseCancelPolicy(data []byte) (*CancelPolicy, error) {
	var j policyRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse cancel_policy: %w", err)
	}
	h, err := parseHeader(core.OpCancelPolicy, j.headerJSON)
	if err != nil {
		return nil, err
	}
	return &CancelPolicy{header: h, PolicyID: j.PolicyID}, nil
}

type fileClaimJSON struct {
	headerJSON
	PolicyID uint64 `json:"policy_id"`
	Amount   string `json:"amount"`
}

type FileClaim struct {
	header
	PolicyID uint64
	Amount   *uint256.Int
}

func (c *FileClaim) Apply(ctx context.Context, l *core.Ledger) (Result, error) {
	id, err := l.FileClaim(ctx, c.caller, c.PolicyID, c.Amount)
	if err != nil {
		return Result{}, err
	}
	return Result{PolicyID: c.PolicyID, ClaimID: id}, nil
}

func parseFileClaim(data []byte) (*FileClaim, error) {
	var j fileClaimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse file_claim: %w", err)
	}
	h, err := parseHeader(core.OpFileClaim, j.headerJSON)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &FileClaim{header: h, PolicyID: j.PolicyID, Amount: amount}, nil
}

type processClaimJSON struct {
	headerJSON
	ClaimID uint64 `json:"claim_id"`
	Approve bool   `json:"approve"`
}

type ProcessClaim struct {
	header
	ClaimID uint64
	Approve bool
}

func (c *ProcessClaim) Apply(ctx context.Context, l *core.Ledger) (Result, error) {
	if err := l.ProcessClaim(ctx, c.caller, c.ClaimID, c.Approve); err != nil {
		return Result{}, err
	}
	return Result{ClaimID: c.ClaimID}, nil
}

func parseProcessClaim(data []byte) (*ProcessClaim, error) {
	var j processClaimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse process_claim: %w", err)
	}
	h, err := parseHeader(core.OpProcessClaim, j.headerJSON)
	if err != nil {
		return nil, err
	}
	return &ProcessClaim{header: h, ClaimID: j.ClaimID, Approve: j.Approve}, nil
}

type withdrawJSON struct {
	headerJSON
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

type Withdraw struct {
	header
	Asset     asset.Ref
	Amount    *uint256.Int
	Recipient uuid.UUID
}

func (c *Withdraw) Apply(ctx context.Context, l *core.Ledger) (Result, error) {
	if err := l.Withdraw(ctx, c.caller, c.Asset, c.Amount, c.Recipient); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}

func parseWithdraw(data []byte) (*Withdraw, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse withdraw: %w", err)
	}
	h, err := parseHeader(core.OpWithdraw, j.headerJSON)
	if err != nil {
		return nil, err
	}
	ref, err := parseAsset(j.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	recipient, err := uuid.Parse(j.Recipient)
	if err != nil {
		return nil, fmt.Errorf("parse recipient: %w", err)
	}
	return &Withdraw{header: h, Asset: ref, Amount: amount, Recipient: recipient}, nil
}

type managerJSON struct {
	headerJSON
	Manager string `json:"manager"`
}

// ManagerChange grants or revokes the manager role.
type ManagerChange struct {
	header
	Manager uuid.UUID
}

func (c *ManagerChange) Apply(ctx context.Context, l *core.Ledger) (Result, error) {
	var err error
	if c.op == core.OpAddManager {
		err = l.AddManager(ctx, c.caller, c.Manager)
	} else {
		err = l.RemoveManager(ctx, c.caller, c.Manager)
	}
	return Result{}, err
}

func parseManagerChange(op string, data []byte) (*ManagerChange, error) {
	var j managerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", op, err)
	}
	h, err := parseHeader(op, j.headerJSON)
	if err != nil {
		return nil, err
	}
	manager, err := uuid.Parse(j.Manager)
	if err != nil {
		return nil, fmt.Errorf("parse manager: %w", err)
	}
	return &ManagerChange{header: h, Manager: manager}, nil
}

// parseAmount requires a decimal string. Zero is accepted here; the ledger
// decides whether zero is valid for the operation.
func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse %s: missing", field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

func parseOptionalAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return parseAmount(field, s)
}

// parseAsset accepts "native", "token:<ID>" or a bare token id. Empty means
// native.
func parseAsset(s string) (asset.Ref, error) {
	switch s {
	case "", "native":
		return asset.Native(), nil
	}
	if ref, err := asset.ParseRef(s); err == nil {
		return ref, nil
	}
	ref, err := asset.Token(s)
	if err != nil {
		return asset.Ref{}, fmt.Errorf("parse asset: %w", err)
	}
	return ref, nil
}
