package query

import (
	"encoding/json"

	"github.com/google/uuid"
)

// NotificationEntry is one row of the notification log for API queries.
type NotificationEntry struct {
	Sequence   int64           `json:"sequence"`
	Op         string          `json:"op"`
	EventType  string          `json:"event_type"`
	RequestKey string          `json:"request_key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	StateHash  string          `json:"state_hash"`
	PrevHash   string          `json:"prev_hash"`
	Timestamp  int64           `json:"timestamp"`
}

// NotificationPage is a page of the log plus the cursor for the next one.
// NextAfter is zero when the page is the last.
type NotificationPage struct {
	Entries      []NotificationEntry `json:"entries"`
	NextAfter    int64               `json:"next_after,omitempty"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// PolicyRow is a policy as materialised in Postgres.
type PolicyRow struct {
	PolicyID      uint64    `json:"policy_id"`
	Holder        uuid.UUID `json:"holder"`
	Premium       string    `json:"premium"`
	InsuredAmount string    `json:"insured_amount"`
	StartTime     int64     `json:"start_time"`
	EndTime       int64     `json:"end_time"`
	RiskLevel     uint8     `json:"risk_level"`
	Status        string    `json:"status"`
	Asset         string    `json:"asset"`
	UpdatedSeq    int64     `json:"updated_seq"`
}

// PolicyPage is a page of a holder's policies, newest first.
type PolicyPage struct {
	Policies     []PolicyRow `json:"policies"`
	NextBefore   uint64      `json:"next_before,omitempty"`
	AsOfSequence int64       `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool            `json:"is_healthy"`
	HashChainBreaks []int64         `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64         `json:"sequence_gaps,omitempty"`
	ClaimMismatches []ClaimMismatch `json:"claim_mismatches,omitempty"`
	AsOfSequence    int64           `json:"as_of_sequence"`
}

// ClaimMismatch is an asset whose claims_paid counter differs from the sum
// of its approved claims.
type ClaimMismatch struct {
	Asset      string `json:"asset"`
	ClaimsPaid string `json:"claims_paid"`
	Approved   string `json:"approved_sum"`
}
