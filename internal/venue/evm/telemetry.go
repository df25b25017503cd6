package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/calegray/flashhawk/internal/domain"
)

// sampleBlocks is how many trailing headers one snapshot inspects.
const sampleBlocks = 8

// TelemetryConfig holds the telemetry sampler tunables.
type TelemetryConfig struct {
	// CacheTTL bounds how stale a cached snapshot may be before the next
	// Snapshot call re-samples the chain.
	CacheTTL time.Duration
	// LiquidityBaseline is the liquidity score reported for the venue.
	// Deriving true depth needs a DEX indexer; until one is wired the
	// baseline stands in. Zero means 70.
	LiquidityBaseline int
}

// Telemetry samples market conditions from recent block headers: base-fee
// drift for volatility, gas utilization for congestion. It implements
// domain.MarketTelemetry for every venue it holds a client for.
type Telemetry struct {
	cfg     TelemetryConfig
	clients map[domain.Venue]*Client
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[domain.Venue]domain.MarketSnapshot
	now   func() time.Time
}

var _ domain.MarketTelemetry = (*Telemetry)(nil)

// NewTelemetry creates a Telemetry sampler over the given venue clients.
func NewTelemetry(cfg TelemetryConfig, clients map[domain.Venue]*Client, logger *slog.Logger) *Telemetry {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Second
	}
	if cfg.LiquidityBaseline <= 0 {
		cfg.LiquidityBaseline = 70
	}
	return &Telemetry{
		cfg:     cfg,
		clients: clients,
		logger:  logger.With(slog.String("component", "venue_telemetry")),
		cache:   make(map[domain.Venue]domain.MarketSnapshot),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot returns the venue's current market snapshot, re-sampling the chain
// when the cached one has expired.
func (t *Telemetry) Snapshot(ctx context.Context, venue domain.Venue) (domain.MarketSnapshot, error) {
	t.mu.Lock()
	cached, ok := t.cache[venue]
	t.mu.Unlock()
	if ok && t.now().Sub(cached.SampledAt) < t.cfg.CacheTTL {
		return cached, nil
	}

	client, ok := t.clients[venue]
	if !ok {
		return domain.MarketSnapshot{}, fmt.Errorf("evm: no client for venue %q", venue)
	}

	snap, err := t.sample(ctx, client)
	if err != nil {
		// A stale snapshot beats none when the node hiccups mid-poll.
		if ok {
			t.logger.Warn("telemetry sample failed, serving stale snapshot",
				slog.String("venue", string(venue)),
				slog.String("error", err.Error()),
			)
			return cached, nil
		}
		return domain.MarketSnapshot{}, err
	}

	t.mu.Lock()
	t.cache[venue] = snap
	t.mu.Unlock()
	return snap, nil
}

// sample inspects the trailing headers and derives the snapshot scores.
func (t *Telemetry) sample(ctx context.Context, client *Client) (domain.MarketSnapshot, error) {
	head, err := client.LatestHeader(ctx)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}

	var (
		minFee, maxFee *big.Int
		usedSum        uint64
		limitSum       uint64
		sampled        int
	)

	number := new(big.Int).Set(head.Number)
	for i := 0; i < sampleBlocks && number.Sign() > 0; i++ {
		header := head
		if i > 0 {
			header, err = client.HeaderByNumber(ctx, number)
			if err != nil {
				break
			}
		}
		if header.BaseFee != nil {
			if minFee == nil || header.BaseFee.Cmp(minFee) < 0 {
				minFee = header.BaseFee
			}
			if maxFee == nil || header.BaseFee.Cmp(maxFee) > 0 {
				maxFee = header.BaseFee
			}
		}
		usedSum += header.GasUsed
		limitSum += header.GasLimit
		sampled++
		number = new(big.Int).Sub(number, big.NewInt(1))
	}
	if sampled == 0 {
		return domain.MarketSnapshot{}, fmt.Errorf("evm: no headers sampled for %s", client.Venue())
	}

	return domain.MarketSnapshot{
		Venue:       client.Venue(),
		Volatility:  clampScore(baseFeeDrift(minFee, maxFee)),
		Liquidity:   clampScore(t.cfg.LiquidityBaseline),
		Congestion:  clampScore(gasUtilization(usedSum, limitSum)),
		GasPriceWei: gasPrice,
		SampledAt:   t.now(),
	}, nil
}

// baseFeeDrift scores base-fee movement across the sample window: the spread
// between the lowest and highest base fee as a percentage of the lowest.
// Pre-EIP-1559 chains without a base fee score zero.
func baseFeeDrift(minFee, maxFee *big.Int) int {
	if minFee == nil || maxFee == nil || minFee.Sign() == 0 {
		return 0
	}
	spread := new(big.Int).Sub(maxFee, minFee)
	spread.Mul(spread, big.NewInt(100))
	spread.Div(spread, minFee)
	if !spread.IsInt64() {
		return 100
	}
	return int(spread.Int64())
}

// gasUtilization scores average block fullness across the window in percent.
func gasUtilization(used, limit uint64) int {
	if limit == 0 {
		return 0
	}
	return int(used * 100 / limit)
}

// clampScore bounds a score to [0,100].
func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
