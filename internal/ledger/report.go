package ledger

import (
	"math/big"
	"sort"
	"time"

	"github.com/calegray/flashhawk/internal/domain"
)

// Report computes a pure snapshot over the records inside the timeframe. It
// never mutates ledger state; generating a report twice yields identical
// results for the same retained history.
func (l *Ledger) Report(tf domain.Timeframe) domain.Report {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rep := domain.Report{
		GeneratedAt:  l.now(),
		Timeframe:    tf,
		TotalPnL:     new(big.Int),
		TotalVolume:  new(big.Int),
		AvgProfit:    new(big.Int),
		MedianProfit: new(big.Int),
		MinProfit:    new(big.Int),
		MaxProfit:    new(big.Int),
		ByVenue:      make(map[domain.Venue]*domain.GroupStats),
		ByStrategy:   make(map[domain.StrategyKind]*domain.GroupStats),
	}

	var (
		profits    []*big.Int
		grossGain  = new(big.Int)
		grossLoss  = new(big.Int)
		latencySum time.Duration

		// Drawdown state: cumulative P&L and its running peak, walked in
		// record order across the window.
		cumulative = new(big.Int)
		peak       = new(big.Int)
		maxDD      float64
	)

	for i := range l.records {
		rec := &l.records[i]
		if !tf.Contains(rec.ExecutedAt) {
			continue
		}

		rep.Executions++
		if rec.Success {
			rep.Wins++
		} else {
			rep.Losses++
		}

		profit := rec.Profit
		if profit == nil {
			profit = new(big.Int)
		}
		profits = append(profits, profit)
		rep.TotalPnL.Add(rep.TotalPnL, profit)
		if rec.Actual != nil {
			rep.TotalVolume.Add(rep.TotalVolume, rec.Actual)
		}
		switch profit.Sign() {
		case 1:
			grossGain.Add(grossGain, profit)
		case -1:
			grossLoss.Sub(grossLoss, profit)
		}

		latencySum += rec.Latency

		cumulative.Add(cumulative, profit)
		if cumulative.Cmp(peak) > 0 {
			peak.Set(cumulative)
		} else if peak.Sign() > 0 {
			dd := ratio(new(big.Int).Sub(peak, cumulative), peak)
			if dd > maxDD {
				maxDD = dd
			}
		}

		applyGroup(rep.ByVenue, rec.Venue, *rec)
		applyGroup(rep.ByStrategy, rec.Kind, *rec)
	}

	if rep.Executions == 0 {
		return rep
	}

	rep.SuccessRate = float64(rep.Wins) / float64(rep.Executions)
	rep.AvgLatency = latencySum / time.Duration(rep.Executions)
	rep.MaxDrawdown = maxDD
	if rep.TotalVolume.Sign() > 0 {
		rep.ROI = ratio(rep.TotalPnL, rep.TotalVolume)
	}
	if grossLoss.Sign() > 0 {
		rep.ProfitFactor = ratio(grossGain, grossLoss)
	} else if grossGain.Sign() > 0 {
		rep.ProfitFactor = float64(rep.Wins) // no losses: factor is unbounded, report wins
	}

	rep.AvgProfit.Div(rep.TotalPnL, big.NewInt(rep.Executions))

	sorted := make([]*big.Int, len(profits))
	copy(sorted, profits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	rep.MinProfit.Set(sorted[0])
	rep.MaxProfit.Set(sorted[len(sorted)-1])
	rep.MedianProfit.Set(median(sorted))

	rep.Breaches = l.breaches(rep.MaxDrawdown, rep.Executions, rep.Losses)
	return rep
}

// breaches lists the configured thresholds the window currently exceeds.
func (l *Ledger) breaches(drawdown float64, executions, losses int64) []domain.Breach {
	var out []domain.Breach
	if l.cfg.MaxDrawdown > 0 && drawdown > l.cfg.MaxDrawdown {
		out = append(out, domain.Breach{
			Metric: "max_drawdown",
			Value:  drawdown,
			Limit:  l.cfg.MaxDrawdown,
		})
	}
	if l.cfg.MaxFailureRate > 0 && executions > 0 {
		rate := float64(losses) / float64(executions)
		if rate > l.cfg.MaxFailureRate {
			out = append(out, domain.Breach{
				Metric: "failure_rate",
				Value:  rate,
				Limit:  l.cfg.MaxFailureRate,
			})
		}
	}
	return out
}

// median returns the middle element of a sorted slice; even lengths average
// the two middle elements.
func median(sorted []*big.Int) *big.Int {
	n := len(sorted)
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Div(sum, big.NewInt(2))
}

// ratio divides two big integers into a float64. Ratios are the only place
// floats appear; amounts themselves stay integral.
func ratio(num, den *big.Int) float64 {
	if den.Sign() == 0 {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(num, den).Float64()
	return f
}
