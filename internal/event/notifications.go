package event

import (
	"CoverLedger/internal/asset"

	"github.com/google/uuid"
)

// Amounts are carried as base-10 strings so payloads stay readable and
// lossless for 256-bit values.

// PolicyCreated is emitted when a new policy is recorded
type PolicyCreated struct {
	PolicyID      uint64    `json:"policy_id"`
	Holder        uuid.UUID `json:"holder"`
	Premium       string    `json:"premium"`
	InsuredAmount string    `json:"insured_amount"`
	RiskLevel     uint8     `json:"risk_level"`
	StartTime     int64     `json:"start_time"`
	EndTime       int64     `json:"end_time"`
	Asset         asset.Ref `json:"asset"`
}

func (e *PolicyCreated) Type() Type { return TypePolicyCreated }

// PolicyExtended is emitted when a holder buys more cover time
type PolicyExtended struct {
	PolicyID          uint64    `json:"policy_id"`
	Holder            uuid.UUID `json:"holder"`
	AdditionalDays    uint64    `json:"additional_days"`
	AdditionalPremium string    `json:"additional_premium"`
	NewEndTime        int64     `json:"new_end_time"`
	Asset             asset.Ref `json:"asset"`
}

func (e *PolicyExtended) Type() Type { return TypePolicyExtended }

// PolicyCancelled is emitted after the prorated refund has been delivered
type PolicyCancelled struct {
	PolicyID uint64    `json:"policy_id"`
	Holder   uuid.UUID `json:"holder"`
	Refund   string    `json:"refund"`
	Asset    asset.Ref `json:"asset"`
}

func (e *PolicyCancelled) Type() Type { return TypePolicyCancelled }

// ClaimFiled is emitted when a holder files a claim. No funds move.
type ClaimFiled struct {
	ClaimID  uint64    `json:"claim_id"`
	PolicyID uint64    `json:"policy_id"`
	Claimant uuid.UUID `json:"claimant"`
	Amount   string    `json:"amount"`
}

func (e *ClaimFiled) Type() Type { return TypeClaimFiled }

// ClaimProcessed is emitted on settlement, approved or rejected
type ClaimProcessed struct {
	ClaimID   uint64    `json:"claim_id"`
	PolicyID  uint64    `json:"policy_id"`
	Claimant  uuid.UUID `json:"claimant"`
	Approved  bool      `json:"approved"`
	Amount    string    `json:"amount"`
	Processor uuid.UUID `json:"processor"`
	Asset     asset.Ref `json:"asset"`
}

func (e *ClaimProcessed) Type() Type { return TypeClaimProcessed }

// TreasuryWithdrawal is emitted when the owner withdraws custodied funds
type TreasuryWithdrawal struct {
	Asset     asset.Ref `json:"asset"`
	Amount    string    `json:"amount"`
	Recipient uuid.UUID `json:"recipient"`
}

func (e *TreasuryWithdrawal) Type() Type { return TypeTreasuryWithdrawal }

type ManagerAdded struct {
	Manager uuid.UUID `json:"manager"`
}

func (e *ManagerAdded) Type() Type { return TypeManagerAdded }

type ManagerRemoved struct {
	Manager uuid.UUID `json:"manager"`
}

func (e *ManagerRemoved) Type() Type { return TypeManagerRemoved }
