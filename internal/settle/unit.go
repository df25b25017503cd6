// Package settle implements the atomic settlement unit: borrow capital from a
// lending source, run a strategy, verify the final balance covers repayment
// plus a minimum profit, split fees, and repay, all within one indivisible
// unit of work. Any violated precondition reverts the whole unit with zero
// effect, which is what makes the scheduler's retries safe.
package settle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/calegray/flashhawk/internal/domain"
)

// State names the settlement state machine positions. The machine is
// single-shot: it advances Requested → Borrowed → StrategyExecuted →
// Verified → Settled, or drops to Reverted from anywhere.
type State string

const (
	StateRequested        State = "requested"
	StateBorrowed         State = "borrowed"
	StateStrategyExecuted State = "strategy_executed"
	StateVerified         State = "verified"
	StateSettled          State = "settled"
	StateReverted         State = "reverted"
)

// BorrowFunc is the continuation a lending source invokes after delivering
// funds. It receives the delivered principal and the borrowing fee, and
// returns the amount it repays. The lending source must roll back fund
// delivery entirely when the continuation returns an error or repays less
// than principal + fee.
type BorrowFunc func(ctx context.Context, principal, fee *big.Int) (repay *big.Int, err error)

// LendingSource delivers borrowed capital and synchronously invokes the
// continuation. A source that cannot guarantee synchronous invocation cannot
// be used with this unit.
type LendingSource interface {
	Borrow(ctx context.Context, token string, amount *big.Int, fn BorrowFunc) error
}

// FeeRouter receives the fee split of a settled unit: the platform share to
// the fee recipient and the remainder to the initiating account.
type FeeRouter interface {
	Route(ctx context.Context, token string, platformFee, userShare *big.Int) error
}

// Config holds the settlement unit tunables.
type Config struct {
	// MinProfit is the in-unit gross profit floor, independent of the fee.
	MinProfit *big.Int
	// BorrowFeeBps is used only for pre-flight estimates; the authoritative
	// fee comes from the lending source at borrow time.
	BorrowFeeBps int
}

// Metrics are the unit's cumulative settled-only counters, updated exactly
// once per settled unit and never on a reverted one.
type Metrics struct {
	Operations  int64    `json:"operations"`
	TotalVolume *big.Int `json:"total_volume"`
	TotalProfit *big.Int `json:"total_profit"`
	TotalFees   *big.Int `json:"total_fees"`
}

// Unit executes opportunities as atomic settlement units. It implements the
// scheduler's Executor interface.
type Unit struct {
	cfg      Config
	lender   LendingSource
	registry *Registry
	fees     *FeeSchedule
	router   FeeRouter
	logger   *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

// NewUnit creates a settlement Unit. The fee router is optional; pass nil to
// keep the fee split internal to the metrics.
func NewUnit(cfg Config, lender LendingSource, registry *Registry, fees *FeeSchedule, router FeeRouter, logger *slog.Logger) *Unit {
	return &Unit{
		cfg:      cfg,
		lender:   lender,
		registry: registry,
		fees:     fees,
		router:   router,
		logger:   logger.With(slog.String("component", "settlement_unit")),
		metrics: Metrics{
			TotalVolume: new(big.Int),
			TotalProfit: new(big.Int),
			TotalFees:   new(big.Int),
		},
	}
}

// Metrics returns a copy of the cumulative settled counters.
func (u *Unit) Metrics() Metrics {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Metrics{
		Operations:  u.metrics.Operations,
		TotalVolume: new(big.Int).Set(u.metrics.TotalVolume),
		TotalProfit: new(big.Int).Set(u.metrics.TotalProfit),
		TotalFees:   new(big.Int).Set(u.metrics.TotalFees),
	}
}

// Execute runs one opportunity through the settlement state machine and
// returns the attempt result. A failed attempt has zero effect: no token
// movement, no metric update.
func (u *Unit) Execute(ctx context.Context, opp domain.Opportunity) domain.ExecutionResult {
	started := time.Now()
	state := StateRequested

	log := u.logger.With(
		slog.String("opportunity_id", opp.ID),
		slog.String("kind", string(opp.Kind)),
	)

	revert := func(err error) domain.ExecutionResult {
		log.Warn("settlement reverted",
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
		return domain.ExecutionResult{
			Success:       false,
			ActualProfit:  new(big.Int),
			ExecutionTime: time.Since(started),
			FailureReason: fmt.Sprintf("%s: %v", state, err),
		}
	}

	strategy, err := u.registry.Get(opp.Kind)
	if err != nil {
		return revert(err)
	}

	principal := opp.EffectivePrincipal()
	if principal == nil || principal.Sign() <= 0 {
		return revert(fmt.Errorf("settle: principal must be positive"))
	}
	token := settlementToken(opp)
	if token == "" {
		return revert(fmt.Errorf("settle: opportunity carries no settlement token"))
	}

	var netProfit, platformFee *big.Int

	borrowErr := u.lender.Borrow(ctx, token, principal, func(ctx context.Context, funds, fee *big.Int) (*big.Int, error) {
		state = StateBorrowed

		finalBalance, err := strategy.Run(ctx, opp, funds)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", opp.Kind, err)
		}
		state = StateStrategyExecuted

		// Core invariant: full repayment or total rollback. No partial
		// repayment is ever attempted.
		repayment := new(big.Int).Add(funds, fee)
		if finalBalance.Cmp(repayment) < 0 {
			return nil, fmt.Errorf("%w: balance %s, need %s",
				domain.ErrShortfall, finalBalance, repayment)
		}

		grossProfit := new(big.Int).Sub(finalBalance, repayment)
		if grossProfit.Cmp(u.cfg.MinProfit) < 0 {
			return nil, fmt.Errorf("%w: gross %s, minimum %s",
				domain.ErrBelowMinProfit, grossProfit, u.cfg.MinProfit)
		}
		state = StateVerified

		// Fee split: tier-discounted platform share, remainder to the
		// initiating account, principal + fee back to the lender.
		platformFee, _ = u.fees.FeeOn(grossProfit, u.settledVolume())
		netProfit = new(big.Int).Sub(grossProfit, platformFee)

		if u.router != nil {
			if err := u.router.Route(ctx, token, platformFee, netProfit); err != nil {
				return nil, fmt.Errorf("fee routing: %w", err)
			}
		}

		return repayment, nil
	})

	if borrowErr != nil {
		return revert(borrowErr)
	}

	state = StateSettled
	u.recordSettled(principal, netProfit, platformFee)

	log.Info("settlement complete",
		slog.String("net_profit", netProfit.String()),
		slog.String("platform_fee", platformFee.String()),
	)

	return domain.ExecutionResult{
		Success:       true,
		ActualProfit:  netProfit,
		ExecutionTime: time.Since(started),
	}
}

// settledVolume reads the cumulative volume for fee-tier resolution.
func (u *Unit) settledVolume() *big.Int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return new(big.Int).Set(u.metrics.TotalVolume)
}

// recordSettled applies the exactly-once metric update for a settled unit.
func (u *Unit) recordSettled(principal, netProfit, platformFee *big.Int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.metrics.Operations++
	u.metrics.TotalVolume.Add(u.metrics.TotalVolume, principal)
	u.metrics.TotalProfit.Add(u.metrics.TotalProfit, netProfit)
	u.metrics.TotalFees.Add(u.metrics.TotalFees, platformFee)
}

// settlementToken resolves the token the unit borrows and repays in.
func settlementToken(opp domain.Opportunity) string {
	switch {
	case opp.Arbitrage != nil:
		return opp.Arbitrage.TokenIn
	case opp.Liquidation != nil:
		return opp.Liquidation.DebtToken
	default:
		return ""
	}
}
