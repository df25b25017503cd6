package domain

import (
	"context"
	"math/big"
	"time"
)

// Decision is the outcome of a risk gate admission check. When Accepted is
// false, Reasons lists every check that failed, not just the first.
type Decision struct {
	Accepted  bool        `json:"accepted"`
	Reasons   []string    `json:"reasons,omitempty"`
	RiskScore int         `json:"risk_score"`
	Adjusted  Opportunity `json:"adjusted"`
}

// BreakerState describes the circuit breaker at a point in time.
type BreakerState struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// RiskPosture is a read-only snapshot of the risk gate's rolling state,
// exposed through the status API.
type RiskPosture struct {
	DailyVolume        *big.Int     `json:"daily_volume"`
	DailyResetAt       time.Time    `json:"daily_reset_at"`
	CumulativeExposure *big.Int     `json:"cumulative_exposure"`
	InFlight           int          `json:"in_flight"`
	TotalOperations    int64        `json:"total_operations"`
	FailedOperations   int64        `json:"failed_operations"`
	RecentLosses       int          `json:"recent_losses"`
	Breaker            BreakerState `json:"breaker"`
}

// MarketSnapshot carries the venue telemetry the risk gate consumes.
// Volatility, Liquidity, and Congestion are scores in [0,100]; GasPriceWei is
// the venue's current gas price estimate.
type MarketSnapshot struct {
	Venue       Venue     `json:"venue"`
	Volatility  int       `json:"volatility"`
	Liquidity   int       `json:"liquidity"`
	Congestion  int       `json:"congestion"`
	GasPriceWei *big.Int  `json:"gas_price_wei"`
	SampledAt   time.Time `json:"sampled_at"`
}

// MarketTelemetry supplies per-venue market condition and gas estimates. A
// real deployment backs this with live chain data; implementations must clamp
// the three scores to [0,100].
type MarketTelemetry interface {
	Snapshot(ctx context.Context, venue Venue) (MarketSnapshot, error)
}
