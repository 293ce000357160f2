// Package jobs implements the durable job queue serializing every
// mutating treasury operation. Jobs live in a FIFO list in the kv
// store; a single consumer gate guarantees at most one job executes
// across the fleet at any instant, and per-job processing records make
// the in-flight window observable.
package jobs

import (
	"encoding/json"
	"math/big"

	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/kv"
	"github.com/wagmilabs/treasury/mathutil"
)

// Type discriminates job payloads.
type Type string

const (
	// TypeAny matches every job type in introspection queries.
	TypeAny Type = ""
	// TypeRebalance converges vault holdings toward the consensus.
	TypeRebalance Type = "rebalance"
	// TypeSettlement pays out a depositor's pro-rata share.
	TypeSettlement Type = "settlement"
)

// Job is one queued unit of work.
type Job struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	EnqueuedAt    int64           `json:"enqueuedAt"`
	LastAttemptAt int64           `json:"lastAttemptAt,omitempty"`
}

// DecodePayload unmarshals the payload into v, tolerating both direct
// and string-wrapped JSON forms.
func (j *Job) DecodePayload(v interface{}) error {
	return kv.DecodeJSON(string(j.Payload), v)
}

// RebalanceReason records what triggered a rebalance job.
type RebalanceReason string

const (
	RebalanceReasonDeposit RebalanceReason = "deposit"
	RebalanceReasonVote    RebalanceReason = "vote"
	RebalanceReasonManual  RebalanceReason = "manual"
)

// RebalancePayload is the payload of a TypeRebalance job.
type RebalancePayload struct {
	Reason  RebalanceReason   `json:"reason"`
	Context map[string]string `json:"context,omitempty"`
}

// TransferPlan is one per-asset payout line of a settlement. Amounts
// are decimal strings in minor units so that values survive JSON
// round-trips exactly.
type TransferPlan struct {
	AssetID          string           `json:"assetId"`
	Symbol           string           `json:"symbol"`
	Kind             params.AssetKind `json:"kind"`
	TokenAddress     string           `json:"tokenAddress,omitempty"`
	Decimals         uint8            `json:"decimals"`
	AmountMinorUnits string           `json:"amountMinorUnits"`
	AmountFormatted  string           `json:"amountFormatted"`
}

// Amount parses the minor-unit amount.
func (p *TransferPlan) Amount() (*big.Int, error) {
	return mathutil.ParseBig(p.AmountMinorUnits)
}

// SettlementPayload is the payload of a TypeSettlement job.
type SettlementPayload struct {
	Address                 string         `json:"address"`
	Share                   float64        `json:"share"`
	Plan                    []TransferPlan `json:"plan"`
	TotalDepositsMinorUnits string         `json:"totalDepositsMinorUnits"`
	RequestID               string         `json:"requestId"`
	RequestedAt             int64          `json:"requestedAt"`
}
