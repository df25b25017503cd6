package ledger

import (
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calegray/flashhawk/internal/domain"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLedger(cfg Config) *Ledger {
	return New(cfg, slog.New(slog.DiscardHandler))
}

func rec(i int, profit int64, success bool) domain.ExecutionRecord {
	venue := domain.VenueEthereum
	kind := domain.KindArbitrage
	if i%2 == 1 {
		venue = domain.VenuePolygon
		kind = domain.KindLiquidation
	}
	return domain.ExecutionRecord{
		ID:         string(rune('a' + i)),
		Venue:      venue,
		Kind:       kind,
		Actual:     big.NewInt(1_000),
		Profit:     big.NewInt(profit),
		GasUsed:    21_000,
		Latency:    time.Duration(10*(i+1)) * time.Millisecond,
		Success:    success,
		ExecutedAt: testBase.Add(time.Duration(i) * time.Minute),
	}
}

func TestLedgerTotals(t *testing.T) {
	l := testLedger(Config{MaxHistory: 100})
	l.Record(rec(0, 100, true))
	l.Record(rec(1, -40, false))
	l.Record(rec(2, 60, true))

	tot := l.Totals()
	assert.Equal(t, int64(3), tot.Executions)
	assert.Equal(t, int64(2), tot.Wins)
	assert.Equal(t, int64(1), tot.Losses)
	assert.Equal(t, int64(120), tot.TotalPnL.Int64())
	assert.Equal(t, int64(3_000), tot.TotalVolume.Int64())
	assert.Equal(t, uint64(63_000), tot.TotalGas)
}

func TestLedgerEvictionKeepsCumulativeTotals(t *testing.T) {
	l := testLedger(Config{MaxHistory: 2})
	l.Record(rec(0, 100, true))
	l.Record(rec(1, 100, true))
	l.Record(rec(2, 100, true)) // evicts the first record from history

	// Only the retained history shrinks; the aggregates keep counting.
	assert.Equal(t, 2, l.Len())
	tot := l.Totals()
	assert.Equal(t, int64(3), tot.Executions)
	assert.Equal(t, int64(3), tot.Wins)
	assert.Equal(t, int64(300), tot.TotalPnL.Int64())
	assert.Equal(t, int64(3_000), tot.TotalVolume.Int64())
	assert.Equal(t, uint64(63_000), tot.TotalGas)

	recent := l.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].ID)
	assert.Equal(t, "c", recent[1].ID)
}

func TestLedgerEvictionKeepsGroupTotals(t *testing.T) {
	l := testLedger(Config{MaxHistory: 1})
	l.Record(rec(0, 50, true))  // ethereum / arbitrage
	l.Record(rec(2, 70, false)) // ethereum / arbitrage, evicts the first

	// The report walks retained history only; totals keep both records.
	rep := l.Report(domain.Timeframe{})
	assert.Equal(t, int64(1), rep.Executions)

	tot := l.Totals()
	assert.Equal(t, int64(2), tot.Executions)
	require.Contains(t, tot.ByVenue, domain.VenueEthereum)
	eth := tot.ByVenue[domain.VenueEthereum]
	assert.Equal(t, int64(2), eth.Count)
	assert.Equal(t, int64(1), eth.Wins)
	assert.Equal(t, int64(120), eth.Profit.Int64())
	assert.Equal(t, int64(2_000), eth.Volume.Int64())
	require.Contains(t, tot.ByStrategy, domain.KindArbitrage)
	assert.Equal(t, int64(2), tot.ByStrategy[domain.KindArbitrage].Count)
}

func TestLedgerLatencyAverage(t *testing.T) {
	l := testLedger(Config{MaxHistory: 2})
	// Latencies 10ms, 20ms, 30ms; the first record is evicted from history
	// but stays in the running average.
	l.Record(rec(0, 10, true))
	l.Record(rec(1, 10, true))
	l.Record(rec(2, 10, true))

	tot := l.Totals()
	assert.Equal(t, 20*time.Millisecond, tot.AvgLatency)

	// The report averages the records inside the window only: 20ms and 30ms.
	rep := l.Report(domain.Timeframe{})
	assert.Equal(t, int64(2), rep.Executions)
	assert.Equal(t, 25*time.Millisecond, rep.AvgLatency)
}

func TestReportMaxDrawdown(t *testing.T) {
	l := testLedger(Config{MaxHistory: 100})
	l.SetClock(func() time.Time { return testBase.Add(time.Hour) })

	// Cumulative P&L: 100, 150, 70, 90. Peak 150, trough 70.
	l.Record(rec(0, 100, true))
	l.Record(rec(1, 50, true))
	l.Record(rec(2, -80, false))
	l.Record(rec(3, 20, true))

	rep := l.Report(domain.Timeframe{})
	assert.InDelta(t, 80.0/150.0, rep.MaxDrawdown, 1e-9)
	assert.Equal(t, int64(90), rep.TotalPnL.Int64())
	assert.InDelta(t, 0.75, rep.SuccessRate, 1e-9)
}

func TestReportStatistics(t *testing.T) {
	l := testLedger(Config{MaxHistory: 100})
	l.Record(rec(0, 100, true))
	l.Record(rec(1, -40, false))
	l.Record(rec(2, 60, true))
	l.Record(rec(3, 20, true))

	rep := l.Report(domain.Timeframe{})
	assert.Equal(t, int64(4), rep.Executions)
	assert.Equal(t, int64(140), rep.TotalPnL.Int64())
	assert.Equal(t, int64(35), rep.AvgProfit.Int64())
	assert.Equal(t, int64(-40), rep.MinProfit.Int64())
	assert.Equal(t, int64(100), rep.MaxProfit.Int64())
	// Sorted profits: -40, 20, 60, 100; median is (20+60)/2.
	assert.Equal(t, int64(40), rep.MedianProfit.Int64())
	// Gains 180, losses 40.
	assert.InDelta(t, 4.5, rep.ProfitFactor, 1e-9)
	// P&L 140 over volume 4000.
	assert.InDelta(t, 0.035, rep.ROI, 1e-9)

	require.Contains(t, rep.ByVenue, domain.VenueEthereum)
	assert.Equal(t, int64(2), rep.ByVenue[domain.VenueEthereum].Count)
	require.Contains(t, rep.ByStrategy, domain.KindLiquidation)
	assert.Equal(t, int64(2), rep.ByStrategy[domain.KindLiquidation].Count)
}

func TestReportTimeframeFilter(t *testing.T) {
	l := testLedger(Config{MaxHistory: 100})
	for i := 0; i < 5; i++ {
		l.Record(rec(i, 10, true))
	}

	tf := domain.Timeframe{
		Since: testBase.Add(1 * time.Minute),
		Until: testBase.Add(3 * time.Minute),
	}
	rep := l.Report(tf)
	assert.Equal(t, int64(3), rep.Executions)
	assert.Equal(t, int64(30), rep.TotalPnL.Int64())
}

func TestReportIsPure(t *testing.T) {
	l := testLedger(Config{MaxHistory: 100})
	l.SetClock(func() time.Time { return testBase })
	l.Record(rec(0, 100, true))
	l.Record(rec(1, -30, false))

	first := l.Report(domain.Timeframe{})
	second := l.Report(domain.Timeframe{})
	assert.Equal(t, first, second)
}

func TestReportEmptyLedger(t *testing.T) {
	l := testLedger(Config{MaxHistory: 100})
	rep := l.Report(domain.Timeframe{})
	assert.Equal(t, int64(0), rep.Executions)
	assert.Equal(t, float64(0), rep.SuccessRate)
	assert.Equal(t, int64(0), rep.TotalPnL.Int64())
	assert.Empty(t, rep.Breaches)
}

func TestReportBreaches(t *testing.T) {
	l := testLedger(Config{MaxHistory: 100, MaxDrawdown: 0.25, MaxFailureRate: 0.2})
	l.Record(rec(0, 100, true))
	l.Record(rec(1, -80, false)) // drawdown 0.8, failure rate 0.5

	rep := l.Report(domain.Timeframe{})
	require.Len(t, rep.Breaches, 2)
	assert.Equal(t, "max_drawdown", rep.Breaches[0].Metric)
	assert.InDelta(t, 0.8, rep.Breaches[0].Value, 1e-9)
	assert.Equal(t, "failure_rate", rep.Breaches[1].Metric)
	assert.InDelta(t, 0.5, rep.Breaches[1].Value, 1e-9)
}

func TestLedgerRebuild(t *testing.T) {
	l := testLedger(Config{MaxHistory: 100})
	l.Record(rec(0, 999, true))

	l.Rebuild([]domain.ExecutionRecord{rec(1, 10, true), rec(2, -5, false)})

	tot := l.Totals()
	assert.Equal(t, int64(2), tot.Executions)
	assert.Equal(t, int64(5), tot.TotalPnL.Int64())
	assert.Equal(t, int64(1), tot.Losses)
}
