// Package domain defines the core types shared across the flashhawk pipeline:
// opportunities, execution records, risk state, and the store/cache interfaces
// implemented by the infrastructure packages.
package domain

import (
	"math/big"
	"time"
)

// StrategyKind identifies the strategy a settlement unit dispatches to.
// The set is open: new kinds register with the settle registry by tag.
type StrategyKind string

const (
	KindLiquidation StrategyKind = "liquidation"
	KindArbitrage   StrategyKind = "arbitrage"
)

// Venue identifies the execution network an opportunity targets.
type Venue string

const (
	VenueEthereum Venue = "ethereum"
	VenuePolygon  Venue = "polygon"
	VenueArbitrum Venue = "arbitrum"
	VenueBase     Venue = "base"
)

// Priority orders opportunities in the scheduler queue. Higher values are
// dequeued first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// ParsePriority converts a priority name to a Priority. Unknown names map to
// PriorityLow so malformed discovery payloads degrade safely.
func ParsePriority(s string) Priority {
	switch s {
	case "HIGH", "high":
		return PriorityHigh
	case "MEDIUM", "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// LiquidationParams carries the strategy payload for a liquidation
// opportunity. Addresses are hex strings; the venue adapter converts them.
type LiquidationParams struct {
	Borrower        string   `json:"borrower"`
	DebtToken       string   `json:"debt_token"`
	CollateralToken string   `json:"collateral_token"`
	DebtAmount      *big.Int `json:"debt_amount"`
	// CloseFactorBps is the protocol-enforced maximum fraction of the debt
	// repayable in one liquidation, in basis points (5000 = 50%).
	CloseFactorBps int `json:"close_factor_bps"`
	// IncentiveBps is the liquidation bonus over par, in basis points
	// (10800 = seize 108% of repaid value in collateral).
	IncentiveBps int `json:"incentive_bps"`
}

// ArbitrageParams carries the strategy payload for an arbitrage opportunity:
// the settlement token, the swap route, and the minimum-output protection.
type ArbitrageParams struct {
	TokenIn  string   `json:"token_in"`
	Route    []string `json:"route"`
	MinOut   *big.Int `json:"min_out"`
	PoolFees []int    `json:"pool_fees,omitempty"`
}

// Opportunity is a candidate operation discovered by an external scanner.
// The identity, classification, and economics fields are set at discovery;
// the adjusted fields are populated by the risk gate before enqueue and are
// never mutated after the opportunity reaches a terminal state.
type Opportunity struct {
	ID           string    `json:"id"`
	DiscoveredAt time.Time `json:"discovered_at"`
	ExpiresAt    time.Time `json:"expires_at"`

	Kind     StrategyKind `json:"kind"`
	Venue    Venue        `json:"venue"`
	Priority Priority     `json:"priority"`

	// Principal and EstimatedProfit are in the smallest unit of the
	// settlement token. Amounts are always big integers; floats are never
	// used for money anywhere in the pipeline.
	Principal       *big.Int `json:"principal"`
	EstimatedProfit *big.Int `json:"estimated_profit"`

	Liquidation *LiquidationParams `json:"liquidation,omitempty"`
	Arbitrage   *ArbitrageParams   `json:"arbitrage,omitempty"`

	// Fields assigned by the risk gate.
	RiskScore         int      `json:"risk_score"`
	AdjustedPrincipal *big.Int `json:"adjusted_principal,omitempty"`
	MaxSlippageBps    int      `json:"max_slippage_bps"`
	RequiresApproval  bool     `json:"requires_approval"`
}

// EffectivePrincipal returns the risk-adjusted principal when one was set,
// otherwise the original principal.
func (o *Opportunity) EffectivePrincipal() *big.Int {
	if o.AdjustedPrincipal != nil && o.AdjustedPrincipal.Sign() > 0 {
		return o.AdjustedPrincipal
	}
	return o.Principal
}

// Expired reports whether the opportunity is past its expiry at the given
// instant.
func (o *Opportunity) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// Age returns how long ago the opportunity was discovered.
func (o *Opportunity) Age(now time.Time) time.Duration {
	return now.Sub(o.DiscoveredAt)
}
