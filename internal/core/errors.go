package core

import (
	"CoverLedger/internal/access"
	"CoverLedger/internal/fault"
	"CoverLedger/internal/premium"
)

// Every failure the ledger returns is one of these conditions, possibly
// wrapped with detail. Match with errors.Is; classify with fault.KindOf.
var (
	// validation
	ErrInvalidAmount        = fault.New(fault.KindValidation, "invalid_amount", "amount must be greater than zero")
	ErrInvalidDuration      = fault.New(fault.KindValidation, "invalid_duration", "duration must be at least one day")
	ErrInvalidRiskLevel     = fault.New(fault.KindValidation, "invalid_risk_level", "risk level must be between 1 and 5")
	ErrInvalidAsset         = fault.New(fault.KindValidation, "invalid_asset", "invalid asset reference")
	ErrDataTooLong          = fault.New(fault.KindValidation, "data_too_long", "policy data exceeds maximum length")
	ErrClaimExceedsCoverage = fault.New(fault.KindValidation, "claim_exceeds_coverage", "claim amount exceeds insured amount")
	ErrUnexpectedPayment    = fault.New(fault.KindValidation, "unexpected_payment", "native payment attached to a token-denominated call")
	ErrRecipientIsCustody   = fault.New(fault.KindValidation, "recipient_is_custody", "recipient is the custody account")
	ErrZeroIdentity         = access.ErrZeroIdentity

	// authorization
	ErrNotHolder       = fault.New(fault.KindAuthorization, "not_holder", "caller is not the policy holder")
	ErrCallerIsCustody = fault.New(fault.KindAuthorization, "caller_is_custody", "custody account cannot act as a caller")
	ErrNotOwner        = access.ErrNotOwner
	ErrNotManagerRole  = access.ErrNotManagerRole

	// state
	ErrPolicyNotFound    = fault.New(fault.KindState, "policy_not_found", "policy does not exist")
	ErrClaimNotFound     = fault.New(fault.KindState, "claim_not_found", "claim does not exist")
	ErrPolicyNotActive   = fault.New(fault.KindState, "policy_not_active", "policy is not active")
	ErrPolicyExpired     = fault.New(fault.KindState, "policy_expired", "policy has expired")
	ErrAlreadyProcessed  = fault.New(fault.KindState, "already_processed", "claim has already been processed")
	ErrDuplicateRequest  = fault.New(fault.KindState, "duplicate_request", "request key already applied")
	ErrAlreadyManager    = access.ErrAlreadyManager
	ErrNotManager        = access.ErrNotManager
	ErrCannotRemoveOwner = access.ErrCannotRemoveOwner

	// funds
	ErrInsufficientPayment   = fault.New(fault.KindInsufficientFunds, "insufficient_payment", "attached payment is below the premium")
	ErrInsufficientAllowance = fault.New(fault.KindInsufficientFunds, "insufficient_allowance", "token allowance is below the premium")
	ErrInsufficientBalance   = fault.New(fault.KindInsufficientFunds, "insufficient_balance", "custodied balance is insufficient")

	ErrTransferFailed = fault.New(fault.KindTransfer, "transfer_failed", "asset transfer failed")
	ErrAdapterQuery   = fault.New(fault.KindTransfer, "adapter_query_failed", "asset adapter query failed")

	ErrArithmeticOverflow = premium.ErrArithmeticOverflow

	ErrReentrantCall = fault.New(fault.KindReentrancy, "reentrant_call", "reentrant call rejected")
)
