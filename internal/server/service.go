package server

import (
	"CoverLedger/internal/asset"
	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/state"
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CallerHeader carries the caller identity on gRPC metadata and HTTP.
// The value is trusted as authoritative.
const CallerHeader = "x-caller-id"

// ============================================================================
// Messages
// ============================================================================

type Empty struct{}

type PolicyRequest struct {
	PolicyID uint64 `json:"policy_id"`
}

type ClaimRequest struct {
	ClaimID uint64 `json:"claim_id"`
}

type PartyRequest struct {
	Party string `json:"party"`
}

type AssetRequest struct {
	Asset string `json:"asset"`
}

type IDList struct {
	IDs []uint64 `json:"ids"`
}

type BoolValue struct {
	Value bool `json:"value"`
}

type PolicyView struct {
	PolicyID      uint64 `json:"policy_id"`
	Holder        string `json:"holder"`
	Premium       string `json:"premium"`
	InsuredAmount string `json:"insured_amount"`
	StartTime     int64  `json:"start_time"`
	EndTime       int64  `json:"end_time"`
	RiskLevel     uint8  `json:"risk_level"`
	Data          string `json:"data"`
	Status        string `json:"status"`
	Asset         string `json:"asset"`
	Expired       bool   `json:"expired"`
}

type ClaimView struct {
	ClaimID  uint64 `json:"claim_id"`
	PolicyID uint64 `json:"policy_id"`
	Claimant string `json:"claimant"`
	Amount   string `json:"amount"`
	FiledAt  int64  `json:"filed_at"`
	Status   string `json:"status"`
}

type TotalsView struct {
	Asset             string `json:"asset"`
	PremiumsCollected string `json:"premiums_collected"`
	ClaimsPaid        string `json:"claims_paid"`
	RefundsPaid       string `json:"refunds_paid"`
	Withdrawn         string `json:"withdrawn"`
}

type BalanceView struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

type StatusView struct {
	Owner     string   `json:"owner"`
	Custody   string   `json:"custody"`
	Managers  []string `json:"managers"`
	Sequence  int64    `json:"last_sequence"`
	StateHash string   `json:"state_hash"`
}

// ============================================================================
// Ledger service implementation
// ============================================================================

// ledgerService serves commands through the Dispatcher and queries through
// the Executor, so both observe the ledger between operations.
type ledgerService struct {
	exec       *core.Executor
	dispatcher *ingestion.Dispatcher
}

var _ LedgerServer = (*ledgerService)(nil)

func (s *ledgerService) command(ctx context.Context, op string, body *json.RawMessage) (*ingestion.Result, error) {
	cmd, err := ingestion.ParseCommand(op, *body)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	caller, ok, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		ingestion.BindCaller(cmd, caller)
	}

	res, err := s.dispatcher.Dispatch(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *ledgerService) CreatePolicy(ctx context.Context, body *json.RawMessage) (*ingestion.Result, error) {
	return s.command(ctx, core.OpCreatePolicy, body)
}

func (s *ledgerService) ExtendPolicy(ctx context.Context, body *json.RawMessage) (*ingestion.Result, error) {
	return s.command(ctx, core.OpExtendPolicy, body)
}

func (s *ledgerService) CancelPolicy(ctx context.Context, body *json.RawMessage) (*ingestion.Result, error) {
	return s.command(ctx, core.OpCancelPolicy, body)
}

func (s *ledgerService) FileClaim(ctx context.Context, body *json.RawMessage) (*ingestion.Result, error) {
	return s.command(ctx, core.OpFileClaim, body)
}

func (s *ledgerService) ProcessClaim(ctx context.Context, body *json.RawMessage) (*ingestion.Result, error) {
	return s.command(ctx, core.OpProcessClaim, body)
}

func (s *ledgerService) Withdraw(ctx context.Context, body *json.RawMessage) (*ingestion.Result, error) {
	return s.command(ctx, core.OpWithdraw, body)
}

func (s *ledgerService) AddManager(ctx context.Context, body *json.RawMessage) (*ingestion.Result, error) {
	return s.command(ctx, core.OpAddManager, body)
}

func (s *ledgerService) RemoveManager(ctx context.Context, body *json.RawMessage) (*ingestion.Result, error) {
	return s.command(ctx, core.OpRemoveManager, body)
}

func (s *ledgerService) GetPolicy(ctx context.Context, req *PolicyRequest) (*PolicyView, error) {
	view, err := core.Call(ctx, s.exec, func(l *core.Ledger) (*PolicyView, error) {
		p, err := l.Policy(req.PolicyID)
		if err != nil {
			return nil, err
		}
		expired, err := l.IsExpired(req.PolicyID)
		if err != nil {
			return nil, err
		}
		return policyView(p, expired), nil
	})
	return view, toStatus(err)
}

func (s *ledgerService) GetClaim(ctx context.Context, req *ClaimRequest) (*ClaimView, error) {
	view, err := core.Call(ctx, s.exec, func(l *core.Ledger) (*ClaimView, error) {
		c, err := l.Claim(req.ClaimID)
		if err != nil {
			return nil, err
		}
		return claimView(c), nil
	})
	return view, toStatus(err)
}

func (s *ledgerService) ListPolicies(ctx context.Context, req *PartyRequest) (*IDList, error) {
	party, err := parseParty(req.Party)
	if err != nil {
		return nil, err
	}
	ids, err := core.Call(ctx, s.exec, func(l *core.Ledger) ([]uint64, error) {
		return l.PoliciesOf(party), nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &IDList{IDs: ids}, nil
}

func (s *ledgerService) ListClaims(ctx context.Context, req *PartyRequest) (*IDList, error) {
	party, err := parseParty(req.Party)
	if err != nil {
		return nil, err
	}
	ids, err := core.Call(ctx, s.exec, func(l *core.Ledger) ([]uint64, error) {
		return l.ClaimsOf(party), nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &IDList{IDs: ids}, nil
}

func (s *ledgerService) IsManager(ctx context.Context, req *PartyRequest) (*BoolValue, error) {
	party, err := parseParty(req.Party)
	if err != nil {
		return nil, err
	}
	ok, err := core.Call(ctx, s.exec, func(l *core.Ledger) (bool, error) {
		return l.IsManager(party), nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolValue{Value: ok}, nil
}

func (s *ledgerService) GetTotals(ctx context.Context, req *AssetRequest) (*TotalsView, error) {
	ref, err := parseAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	t, err := core.Call(ctx, s.exec, func(l *core.Ledger) (state.AssetTotals, error) {
		return l.Totals(ref)
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &TotalsView{
		Asset:             t.Asset.Key(),
		PremiumsCollected: t.PremiumsCollected.Dec(),
		ClaimsPaid:        t.ClaimsPaid.Dec(),
		RefundsPaid:       t.RefundsPaid.Dec(),
		Withdrawn:         t.Withdrawn.Dec(),
	}, nil
}

func (s *ledgerService) GetCustodyBalance(ctx context.Context, req *AssetRequest) (*BalanceView, error) {
	ref, err := parseAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	caller, _, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	view, err := core.Call(ctx, s.exec, func(l *core.Ledger) (*BalanceView, error) {
		bal, err := l.CustodyBalance(ctx, caller, ref)
		if err != nil {
			return nil, err
		}
		return &BalanceView{Asset: ref.Key(), Balance: bal.Dec()}, nil
	})
	return view, toStatus(err)
}

func (s *ledgerService) GetStatus(ctx context.Context, _ *Empty) (*StatusView, error) {
	view, err := core.Call(ctx, s.exec, func(l *core.Ledger) (*StatusView, error) {
		managers := l.Managers()
		names := make([]string, 0, len(managers))
		for _, m := range managers {
			names = append(names, m.String())
		}
		hash := l.GetStateHash()
		return &StatusView{
			Owner:     l.Owner().String(),
			Custody:   l.Custody().String(),
			Managers:  names,
			Sequence:  l.GetSequence() - 1,
			StateHash: hex.EncodeToString(hash[:]),
		}, nil
	})
	return view, toStatus(err)
}

// ============================================================================
// Helpers
// ============================================================================

// callerFromContext reads x-caller-id from incoming metadata. ok is false
// when the header is absent.
func callerFromContext(ctx context.Context) (uuid.UUID, bool, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(CallerHeader)
	if len(values) == 0 || values[0] == "" {
		return uuid.Nil, false, nil
	}
	caller, err := uuid.Parse(values[0])
	if err != nil {
		return uuid.Nil, false, status.Errorf(codes.InvalidArgument, "invalid %s: %v", CallerHeader, err)
	}
	return caller, true, nil
}

func parseParty(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "party is required")
	}
	party, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid party: %v", err)
	}
	return party, nil
}

// parseAsset accepts "native" (the default) or "token:<ID>".
func parseAsset(s string) (asset.Ref, error) {
	if s == "" {
		return asset.Native(), nil
	}
	ref, err := asset.ParseRef(s)
	if err != nil {
		return asset.Ref{}, status.Errorf(codes.InvalidArgument, "invalid asset: %v", err)
	}
	return ref, nil
}

func policyView(p state.Policy, expired bool) *PolicyView {
	return &PolicyView{
		PolicyID:      p.ID,
		Holder:        p.Holder.String(),
		Premium:       p.Premium.Dec(),
		InsuredAmount: p.InsuredAmount.Dec(),
		StartTime:     p.StartTime,
		EndTime:       p.EndTime,
		RiskLevel:     p.RiskLevel,
		Data:          p.Data,
		Status:        p.Status.String(),
		Asset:         p.Asset.Key(),
		Expired:       expired,
	}
}

func claimView(c state.Claim) *ClaimView {
	return &ClaimView{
		ClaimID:  c.ID,
		PolicyID: c.PolicyID,
		Claimant: c.Claimant.String(),
		Amount:   c.Amount.Dec(),
		FiledAt:  c.FiledAt,
		Status:   c.Status.String(),
	}
}
