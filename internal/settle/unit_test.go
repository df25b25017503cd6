package settle

import (
	"context"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calegray/flashhawk/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// profitableArb returns a USDC round trip that nets 5% before fees on a
// market configured with roundTripMarket.
func profitableArb(principal int64) domain.Opportunity {
	return domain.Opportunity{
		ID:        "opp-arb-1",
		Kind:      domain.KindArbitrage,
		Venue:     domain.VenueEthereum,
		Principal: big.NewInt(principal),
		Arbitrage: &domain.ArbitrageParams{
			TokenIn: "USDC",
			Route:   []string{"USDC", "WETH", "USDC"},
		},
	}
}

func roundTripMarket() *SimMarket {
	m := NewSimMarket(0)
	m.SetRate("USDC", "WETH", Ratio{Num: 1, Den: 2})
	m.SetRate("WETH", "USDC", Ratio{Num: 21, Den: 10})
	return m
}

func newTestUnit(t *testing.T, minProfit int64, lender LendingSource, market Market) *Unit {
	t.Helper()
	registry := NewRegistry()
	registry.Register(NewArbitrageStrategy(market))
	registry.Register(NewLiquidationStrategy(market))
	fees := NewFeeSchedule(50, testTiers())
	return NewUnit(Config{MinProfit: big.NewInt(minProfit), BorrowFeeBps: 9}, lender, registry, fees, nil, discardLogger())
}

func TestUnitExecuteSettles(t *testing.T) {
	lender := NewSimLender(9)
	lender.Fund("USDC", big.NewInt(10_000_000))
	unit := newTestUnit(t, 1000, lender, roundTripMarket())

	res := unit.Execute(context.Background(), profitableArb(1_000_000))
	require.True(t, res.Success, "expected settlement, got: %s", res.FailureReason)

	// 1,000,000 in, 1,050,000 out, 900 borrow fee: gross 49,100.
	// Platform fee at 50 bps (BRONZE): 245. Net: 48,855.
	assert.Equal(t, int64(48_855), res.ActualProfit.Int64())

	m := unit.Metrics()
	assert.Equal(t, int64(1), m.Operations)
	assert.Equal(t, int64(1_000_000), m.TotalVolume.Int64())
	assert.Equal(t, int64(48_855), m.TotalProfit.Int64())
	assert.Equal(t, int64(245), m.TotalFees.Int64())

	// The lender pool grew by exactly the borrow fee.
	assert.Equal(t, int64(10_000_900), lender.Liquidity("USDC").Int64())
}

func TestUnitRevertedAttemptsLeaveNoTrace(t *testing.T) {
	// Round trip loses money: 1,000,000 -> 500,000 -> 950,000.
	market := NewSimMarket(0)
	market.SetRate("USDC", "WETH", Ratio{Num: 1, Den: 2})
	market.SetRate("WETH", "USDC", Ratio{Num: 19, Den: 10})

	lender := NewSimLender(9)
	lender.Fund("USDC", big.NewInt(10_000_000))
	unit := newTestUnit(t, 1000, lender, market)

	for i := 0; i < 3; i++ {
		res := unit.Execute(context.Background(), profitableArb(1_000_000))
		require.False(t, res.Success)
		assert.Contains(t, res.FailureReason, "below repayment")
		assert.Equal(t, int64(0), res.ActualProfit.Int64())
	}

	// Zero effect: pool restored, metrics untouched, retries were safe.
	assert.Equal(t, int64(10_000_000), lender.Liquidity("USDC").Int64())
	m := unit.Metrics()
	assert.Equal(t, int64(0), m.Operations)
	assert.Equal(t, int64(0), m.TotalVolume.Int64())
}

func TestUnitBelowMinProfitReverts(t *testing.T) {
	lender := NewSimLender(9)
	lender.Fund("USDC", big.NewInt(10_000_000))
	// The round trip grosses 49,100; demand more.
	unit := newTestUnit(t, 50_000, lender, roundTripMarket())

	res := unit.Execute(context.Background(), profitableArb(1_000_000))
	require.False(t, res.Success)
	assert.Contains(t, res.FailureReason, "below minimum")
	assert.Equal(t, int64(10_000_000), lender.Liquidity("USDC").Int64())
}

func TestUnitUnknownStrategyReverts(t *testing.T) {
	lender := NewSimLender(9)
	lender.Fund("USDC", big.NewInt(10_000_000))
	unit := newTestUnit(t, 0, lender, roundTripMarket())

	opp := profitableArb(1_000_000)
	opp.Kind = domain.StrategyKind("sandwich")

	res := unit.Execute(context.Background(), opp)
	require.False(t, res.Success)
	assert.Contains(t, res.FailureReason, "unknown strategy")
	// Rejected before borrowing: the pool never moved.
	assert.Equal(t, int64(10_000_000), lender.Liquidity("USDC").Int64())
}

func TestUnitLenderUnavailableReverts(t *testing.T) {
	lender := NewSimLender(9) // unfunded
	unit := newTestUnit(t, 0, lender, roundTripMarket())

	res := unit.Execute(context.Background(), profitableArb(1_000_000))
	require.False(t, res.Success)
	assert.Contains(t, res.FailureReason, "liquidity")
}

func TestUnitUsesAdjustedPrincipal(t *testing.T) {
	lender := NewSimLender(9)
	lender.Fund("USDC", big.NewInt(10_000_000))
	unit := newTestUnit(t, 0, lender, roundTripMarket())

	opp := profitableArb(1_000_000)
	opp.AdjustedPrincipal = big.NewInt(500_000)

	res := unit.Execute(context.Background(), opp)
	require.True(t, res.Success, res.FailureReason)

	m := unit.Metrics()
	assert.Equal(t, int64(500_000), m.TotalVolume.Int64())
}

type recordingRouter struct {
	token       string
	platformFee *big.Int
	userShare   *big.Int
	calls       int
}

func (r *recordingRouter) Route(_ context.Context, token string, platformFee, userShare *big.Int) error {
	r.calls++
	r.token = token
	r.platformFee = new(big.Int).Set(platformFee)
	r.userShare = new(big.Int).Set(userShare)
	return nil
}

func TestUnitRoutesFeeSplit(t *testing.T) {
	lender := NewSimLender(9)
	lender.Fund("USDC", big.NewInt(10_000_000))

	registry := NewRegistry()
	registry.Register(NewArbitrageStrategy(roundTripMarket()))
	router := &recordingRouter{}
	unit := NewUnit(Config{MinProfit: big.NewInt(0), BorrowFeeBps: 9},
		lender, registry, NewFeeSchedule(50, testTiers()), router, discardLogger())

	res := unit.Execute(context.Background(), profitableArb(1_000_000))
	require.True(t, res.Success, res.FailureReason)

	assert.Equal(t, 1, router.calls)
	assert.Equal(t, "USDC", router.token)
	assert.Equal(t, int64(245), router.platformFee.Int64())
	assert.Equal(t, int64(48_855), router.userShare.Int64())
}
