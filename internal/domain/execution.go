package domain

import (
	"math/big"
	"time"
)

// ExecutionResult is what a single settlement attempt returns to the
// scheduler. TxRef identifies the on-chain transaction for settled units; for
// reverted units FailureReason carries the final error text.
type ExecutionResult struct {
	Success       bool
	ActualProfit  *big.Int
	GasUsed       uint64
	ExecutionTime time.Duration
	TxRef         string
	FailureReason string
}

// ExecutionRecord is the immutable terminal outcome of one opportunity:
// either a settled unit or an exhausted retry sequence. Records are appended
// to the ledger and the execution store exactly once and never updated.
type ExecutionRecord struct {
	ID            string        `json:"id"`
	OpportunityID string        `json:"opportunity_id"`
	Venue         Venue         `json:"venue"`
	Kind          StrategyKind  `json:"kind"`
	Requested     *big.Int      `json:"requested"`
	Actual        *big.Int      `json:"actual"`
	Profit        *big.Int      `json:"profit"` // signed; negative on loss
	GasUsed       uint64        `json:"gas_used"`
	Latency       time.Duration `json:"latency"`
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	FailureReason string        `json:"failure_reason,omitempty"`
	TxRef         string        `json:"tx_ref,omitempty"`
	ExecutedAt    time.Time     `json:"executed_at"`
}

// Loss returns the magnitude of a losing record's profit, or zero for
// break-even and winning records.
func (r *ExecutionRecord) Loss() *big.Int {
	if r.Profit == nil || r.Profit.Sign() >= 0 {
		return new(big.Int)
	}
	return new(big.Int).Neg(r.Profit)
}
