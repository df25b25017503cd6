// Package discovery consumes candidate opportunities published by external
// scanners on a durable stream, normalizes them into domain opportunities,
// runs them through the risk gate, and hands admitted candidates to the
// scheduler.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calegray/flashhawk/internal/domain"
	"github.com/calegray/flashhawk/internal/settle"
)

// defaultTTL is assigned to candidates that arrive without an expiry.
const defaultTTL = 30 * time.Second

// Admitter decides whether a candidate enters the pipeline. Implemented by
// the risk gate.
type Admitter interface {
	Admit(ctx context.Context, opp domain.Opportunity) domain.Decision
}

// Enqueuer accepts admitted opportunities. Implemented by the scheduler.
type Enqueuer interface {
	Enqueue(opp domain.Opportunity) error
}

// Config holds the intake tunables.
type Config struct {
	// Stream is the durable stream scanners publish candidates to.
	Stream string
	// PollInterval is the idle delay between stream reads.
	PollInterval time.Duration
	// BatchSize caps how many entries one poll consumes.
	BatchSize int
	// BorrowFeeBps feeds the liquidation profit precheck for candidates
	// arriving without a profit estimate.
	BorrowFeeBps int
}

// Stats counts intake activity since start.
type Stats struct {
	Consumed  int64 `json:"consumed"`
	Malformed int64 `json:"malformed"`
	Admitted  int64 `json:"admitted"`
	Rejected  int64 `json:"rejected"`
	Expired   int64 `json:"expired"`
}

// candidate is the wire format scanners publish. It mirrors the opportunity
// shape with a string priority and tolerates missing identity fields.
type candidate struct {
	ID           string                    `json:"id"`
	DiscoveredAt time.Time                 `json:"discovered_at"`
	ExpiresAt    time.Time                 `json:"expires_at"`
	Kind         string                    `json:"kind"`
	Venue        string                    `json:"venue"`
	Priority     string                    `json:"priority"`
	Principal    *big.Int                  `json:"principal"`
	Profit       *big.Int                  `json:"estimated_profit"`
	Liquidation  *domain.LiquidationParams `json:"liquidation,omitempty"`
	Arbitrage    *domain.ArbitrageParams   `json:"arbitrage,omitempty"`
}

// Consumer drains the candidate stream and feeds the admission pipeline.
type Consumer struct {
	cfg      Config
	bus      domain.SignalBus
	admitter Admitter
	enqueuer Enqueuer
	logger   *slog.Logger

	mu     sync.Mutex
	lastID string
	stats  Stats

	now func() time.Time
}

// NewConsumer creates a Consumer reading from the configured stream. Intake
// starts at the beginning of the stream; stale backlog entries are dropped by
// the expiry check rather than skipped blindly.
func NewConsumer(cfg Config, bus domain.SignalBus, admitter Admitter, enqueuer Enqueuer, logger *slog.Logger) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Consumer{
		cfg:      cfg,
		bus:      bus,
		admitter: admitter,
		enqueuer: enqueuer,
		logger:   logger.With(slog.String("component", "discovery")),
		lastID:   "0",
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the consumer's time source for tests.
func (c *Consumer) SetClock(now func() time.Time) {
	c.now = now
}

// Stats returns a snapshot of the intake counters.
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Run polls the stream until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("discovery consumer started",
		slog.String("stream", c.cfg.Stream),
		slog.Int("batch_size", c.cfg.BatchSize),
	)
	defer c.logger.Info("discovery consumer stopped")

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.poll(ctx); err != nil {
				c.logger.Warn("stream poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// poll consumes one batch from the stream.
func (c *Consumer) poll(ctx context.Context) error {
	c.mu.Lock()
	lastID := c.lastID
	c.mu.Unlock()

	messages, err := c.bus.StreamRead(ctx, c.cfg.Stream, lastID, c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("discovery: reading stream %s: %w", c.cfg.Stream, err)
	}

	for _, msg := range messages {
		c.mu.Lock()
		c.lastID = msg.ID
		c.stats.Consumed++
		c.mu.Unlock()

		c.process(ctx, msg)
	}
	return nil
}

// process normalizes, admits, and enqueues one stream entry. A malformed
// payload is counted and skipped; it never stalls the stream.
func (c *Consumer) process(ctx context.Context, msg domain.StreamMessage) {
	opp, err := c.decode(msg.Payload)
	if err != nil {
		c.mu.Lock()
		c.stats.Malformed++
		c.mu.Unlock()
		c.logger.Warn("malformed candidate dropped",
			slog.String("stream_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	decision := c.admitter.Admit(ctx, opp)
	if !decision.Accepted {
		c.mu.Lock()
		c.stats.Rejected++
		c.mu.Unlock()
		c.logger.Debug("candidate rejected",
			slog.String("id", opp.ID),
			slog.Any("reasons", decision.Reasons),
		)
		return
	}

	if err := c.enqueuer.Enqueue(decision.Adjusted); err != nil {
		c.mu.Lock()
		if errors.Is(err, domain.ErrExpired) {
			c.stats.Expired++
		} else {
			c.stats.Rejected++
		}
		c.mu.Unlock()
		c.logger.Debug("admitted candidate not enqueued",
			slog.String("id", opp.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	c.mu.Lock()
	c.stats.Admitted++
	c.mu.Unlock()
}

// decode parses a candidate payload into a domain opportunity, filling safe
// defaults for missing identity and expiry fields.
func (c *Consumer) decode(payload []byte) (domain.Opportunity, error) {
	var cand candidate
	if err := json.Unmarshal(payload, &cand); err != nil {
		return domain.Opportunity{}, fmt.Errorf("discovery: decoding candidate: %w", err)
	}

	kind := domain.StrategyKind(cand.Kind)
	switch kind {
	case domain.KindLiquidation:
		if cand.Liquidation == nil {
			return domain.Opportunity{}, fmt.Errorf("discovery: liquidation candidate without payload")
		}
	case domain.KindArbitrage:
		if cand.Arbitrage == nil {
			return domain.Opportunity{}, fmt.Errorf("discovery: arbitrage candidate without payload")
		}
	default:
		return domain.Opportunity{}, fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, cand.Kind)
	}

	if cand.Principal == nil || cand.Principal.Sign() <= 0 {
		return domain.Opportunity{}, fmt.Errorf("discovery: candidate principal must be positive")
	}
	if cand.Venue == "" {
		return domain.Opportunity{}, fmt.Errorf("discovery: candidate carries no venue")
	}

	now := c.now()
	opp := domain.Opportunity{
		ID:              cand.ID,
		DiscoveredAt:    cand.DiscoveredAt,
		ExpiresAt:       cand.ExpiresAt,
		Kind:            kind,
		Venue:           domain.Venue(cand.Venue),
		Priority:        domain.ParsePriority(cand.Priority),
		Principal:       cand.Principal,
		EstimatedProfit: cand.Profit,
		Liquidation:     cand.Liquidation,
		Arbitrage:       cand.Arbitrage,
	}
	if opp.ID == "" {
		opp.ID = uuid.New().String()
	}
	if opp.DiscoveredAt.IsZero() {
		opp.DiscoveredAt = now
	}
	if opp.ExpiresAt.IsZero() {
		opp.ExpiresAt = opp.DiscoveredAt.Add(defaultTTL)
	}

	// Scanners may omit the profit estimate for liquidations; the read-only
	// precheck fills it so the gate's profit floor has something to check.
	if opp.EstimatedProfit == nil && opp.Kind == domain.KindLiquidation {
		opp.EstimatedProfit = settle.EstimateLiquidationProfit(
			*opp.Liquidation, opp.Principal, c.cfg.BorrowFeeBps, nil)
	}
	if opp.EstimatedProfit == nil {
		opp.EstimatedProfit = new(big.Int)
	}

	return opp, nil
}
