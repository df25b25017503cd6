package domain

import (
	"math/big"
	"time"
)

// Timeframe bounds a report window. A zero Since or Until leaves that side
// unbounded.
type Timeframe struct {
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
}

// Contains reports whether t falls inside the timeframe.
func (tf Timeframe) Contains(t time.Time) bool {
	if !tf.Since.IsZero() && t.Before(tf.Since) {
		return false
	}
	if !tf.Until.IsZero() && t.After(tf.Until) {
		return false
	}
	return true
}

// GroupStats aggregates execution outcomes for one venue or strategy.
type GroupStats struct {
	Count  int64    `json:"count"`
	Wins   int64    `json:"wins"`
	Volume *big.Int `json:"volume"`
	Profit *big.Int `json:"profit"`
	Gas    uint64   `json:"gas"`
}

// Breach names a performance threshold currently exceeded. Value and Limit
// are ratios (e.g. drawdown fraction, error rate), not money.
type Breach struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Limit  float64 `json:"limit"`
}

// Report is a pure, side-effect-free snapshot of ledger state over a window.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Timeframe   Timeframe `json:"timeframe"`

	Executions  int64   `json:"executions"`
	Wins        int64   `json:"wins"`
	Losses      int64   `json:"losses"`
	SuccessRate float64 `json:"success_rate"`

	TotalPnL     *big.Int `json:"total_pnl"`
	TotalVolume  *big.Int `json:"total_volume"`
	ROI          float64  `json:"roi"`
	AvgProfit    *big.Int `json:"avg_profit"`
	MedianProfit *big.Int `json:"median_profit"`
	MinProfit    *big.Int `json:"min_profit"`
	MaxProfit    *big.Int `json:"max_profit"`

	AvgLatency time.Duration `json:"avg_latency"`

	MaxDrawdown  float64 `json:"max_drawdown"`
	ProfitFactor float64 `json:"profit_factor"`

	ByVenue    map[Venue]*GroupStats        `json:"by_venue"`
	ByStrategy map[StrategyKind]*GroupStats `json:"by_strategy"`

	Breaches []Breach `json:"breaches,omitempty"`
}
