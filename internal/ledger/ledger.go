// Package ledger keeps the bounded in-memory history of execution records and
// derives analytics from it. The ledger is the pipeline's hot analytical view;
// the durable copy of every record lives in the execution store.
package ledger

import (
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/calegray/flashhawk/internal/domain"
)

// Config holds the ledger tunables.
type Config struct {
	// MaxHistory bounds the retained record count. Eviction drops only the
	// record itself; the cumulative aggregates are never unwound, so totals
	// keep counting across the lifetime of the process.
	MaxHistory int
	// MaxDrawdown and MaxFailureRate are breach thresholds, as fractions.
	// Zero disables the corresponding breach.
	MaxDrawdown    float64
	MaxFailureRate float64
}

// Totals is the ledger's running aggregate view, maintained incrementally so
// status reads never walk the history. Counters are cumulative: they survive
// history eviction and only reset on Rebuild.
type Totals struct {
	Executions  int64         `json:"executions"`
	Wins        int64         `json:"wins"`
	Losses      int64         `json:"losses"`
	TotalPnL    *big.Int      `json:"total_pnl"`
	TotalVolume *big.Int      `json:"total_volume"`
	TotalGas    uint64        `json:"total_gas"`
	AvgLatency  time.Duration `json:"avg_latency"`

	ByVenue    map[domain.Venue]*domain.GroupStats        `json:"by_venue"`
	ByStrategy map[domain.StrategyKind]*domain.GroupStats `json:"by_strategy"`
}

// Ledger records execution outcomes and answers analytical queries. All
// methods are safe for concurrent use; Record is the scheduler's fan-out
// target and must stay cheap.
type Ledger struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	records []domain.ExecutionRecord

	executions   int64
	wins         int64
	losses       int64
	totalPnL     *big.Int
	totalVolume  *big.Int
	grossGain    *big.Int
	grossLoss    *big.Int
	totalGas     uint64
	totalLatency time.Duration

	byVenue    map[domain.Venue]*domain.GroupStats
	byStrategy map[domain.StrategyKind]*domain.GroupStats

	now func() time.Time
}

// New creates an empty Ledger.
func New(cfg Config, logger *slog.Logger) *Ledger {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10_000
	}
	return &Ledger{
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "ledger")),
		records:     make([]domain.ExecutionRecord, 0, 256),
		totalPnL:    new(big.Int),
		totalVolume: new(big.Int),
		grossGain:   new(big.Int),
		grossLoss:   new(big.Int),
		byVenue:     make(map[domain.Venue]*domain.GroupStats),
		byStrategy:  make(map[domain.StrategyKind]*domain.GroupStats),
		now:         time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Record appends a terminal execution record, updating the incremental
// aggregates and evicting the oldest record once the history bound is hit.
// Eviction only trims the retained history; the aggregates keep counting.
func (l *Ledger) Record(rec domain.ExecutionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.records) >= l.cfg.MaxHistory {
		copy(l.records, l.records[1:])
		l.records = l.records[:len(l.records)-1]
	}

	l.records = append(l.records, rec)
	l.apply(rec)
}

// Rebuild resets the ledger and replays records in order. Replay mode uses it
// to reconstruct the analytical view from the execution store.
func (l *Ledger) Rebuild(records []domain.ExecutionRecord) {
	l.mu.Lock()
	l.records = l.records[:0]
	l.executions, l.wins, l.losses, l.totalGas = 0, 0, 0, 0
	l.totalLatency = 0
	l.totalPnL.SetInt64(0)
	l.totalVolume.SetInt64(0)
	l.grossGain.SetInt64(0)
	l.grossLoss.SetInt64(0)
	l.byVenue = make(map[domain.Venue]*domain.GroupStats)
	l.byStrategy = make(map[domain.StrategyKind]*domain.GroupStats)
	l.mu.Unlock()

	for _, rec := range records {
		l.Record(rec)
	}
	l.logger.Info("ledger rebuilt", slog.Int("records", len(records)))
}

// Len returns the retained record count.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Totals returns a copy of the running aggregates.
func (l *Ledger) Totals() Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tot := Totals{
		Executions:  l.executions,
		Wins:        l.wins,
		Losses:      l.losses,
		TotalPnL:    new(big.Int).Set(l.totalPnL),
		TotalVolume: new(big.Int).Set(l.totalVolume),
		TotalGas:    l.totalGas,
		ByVenue:     copyGroups(l.byVenue),
		ByStrategy:  copyGroups(l.byStrategy),
	}
	if l.executions > 0 {
		tot.AvgLatency = l.totalLatency / time.Duration(l.executions)
	}
	return tot
}

func copyGroups[K comparable](m map[K]*domain.GroupStats) map[K]*domain.GroupStats {
	out := make(map[K]*domain.GroupStats, len(m))
	for k, g := range m {
		out[k] = &domain.GroupStats{
			Count:  g.Count,
			Wins:   g.Wins,
			Volume: new(big.Int).Set(g.Volume),
			Profit: new(big.Int).Set(g.Profit),
			Gas:    g.Gas,
		}
	}
	return out
}

// Recent returns up to n most recent records, newest last.
func (l *Ledger) Recent(n int) []domain.ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.records) {
		n = len(l.records)
	}
	out := make([]domain.ExecutionRecord, n)
	copy(out, l.records[len(l.records)-n:])
	return out
}

// apply folds one record into the cumulative aggregates.
func (l *Ledger) apply(rec domain.ExecutionRecord) {
	l.executions++
	if rec.Success {
		l.wins++
	} else {
		l.losses++
	}
	l.totalGas += rec.GasUsed
	l.totalLatency += rec.Latency

	if rec.Profit != nil {
		l.totalPnL.Add(l.totalPnL, rec.Profit)
		if rec.Profit.Sign() > 0 {
			l.grossGain.Add(l.grossGain, rec.Profit)
		} else if rec.Profit.Sign() < 0 {
			l.grossLoss.Sub(l.grossLoss, rec.Profit)
		}
	}
	if rec.Actual != nil {
		l.totalVolume.Add(l.totalVolume, rec.Actual)
	}

	applyGroup(l.byVenue, rec.Venue, rec)
	applyGroup(l.byStrategy, rec.Kind, rec)
}

func applyGroup[K comparable](m map[K]*domain.GroupStats, key K, rec domain.ExecutionRecord) {
	g, ok := m[key]
	if !ok {
		g = &domain.GroupStats{Volume: new(big.Int), Profit: new(big.Int)}
		m[key] = g
	}
	g.Count++
	if rec.Success {
		g.Wins++
	}
	g.Gas += rec.GasUsed
	if rec.Actual != nil {
		g.Volume.Add(g.Volume, rec.Actual)
	}
	if rec.Profit != nil {
		g.Profit.Add(g.Profit, rec.Profit)
	}
}
