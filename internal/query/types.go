package query

import (
	"encoding/json"
	"time"
)

// HoldingResponse is a holder's projected share balance. AsOfSequence is
// the last operation sequence applied to the holdings projection; callers
// use it to judge freshness against the engine sequence.
type HoldingResponse struct {
	Holder       string `json:"holder"`
	Shares       string `json:"shares"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// OperationResponse is one row of the operation log.
type OperationResponse struct {
	Sequence       int64           `json:"sequence"`
	RecordType     string          `json:"record_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Holder         *string         `json:"holder,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      []byte          `json:"state_hash"`
	PrevHash       []byte          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// PoolResponse summarizes the pool from the engine's live view.
type PoolResponse struct {
	TotalAssets   string `json:"total_assets"`
	TotalShares   string `json:"total_shares"`
	Administrator string `json:"administrator"`
	Sequence      int64  `json:"sequence"`
	StateHash     []byte `json:"state_hash"`
}

// IntegrityReport is the result of an operation log audit.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	LatestSequence  int64   `json:"latest_sequence"`
}
