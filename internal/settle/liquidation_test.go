package settle

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calegray/flashhawk/internal/domain"
)

func liqOpportunity(p domain.LiquidationParams, principal int64, slippageBps int) domain.Opportunity {
	return domain.Opportunity{
		ID:             "opp-liq-1",
		Kind:           domain.KindLiquidation,
		Venue:          domain.VenueEthereum,
		Principal:      big.NewInt(principal),
		MaxSlippageBps: slippageBps,
		Liquidation:    &p,
	}
}

func TestLiquidationRunWithCollateralSwap(t *testing.T) {
	// 1 WETH = 2000 DAI in both directions.
	market := NewSimMarket(0)
	market.SetRate("DAI", "WETH", Ratio{Num: 1, Den: 2000})
	market.SetRate("WETH", "DAI", Ratio{Num: 2000, Den: 1})

	params := domain.LiquidationParams{
		Borrower:        "0xdeadbeef",
		DebtToken:       "DAI",
		CollateralToken: "WETH",
		DebtAmount:      big.NewInt(2_000_000),
		CloseFactorBps:  5000,
		IncentiveBps:    10800,
	}

	s := NewLiquidationStrategy(market)
	final, err := s.Run(context.Background(), liqOpportunity(params, 1_000_000, 100), big.NewInt(1_000_000))
	require.NoError(t, err)

	// Repay capped at 50% of debt = 1,000,000. Seized at 108% = 1,080,000
	// DAI worth of WETH, swapped back at par.
	assert.Equal(t, int64(1_080_000), final.Int64())
}

func TestLiquidationRunSameToken(t *testing.T) {
	market := NewSimMarket(0)
	params := domain.LiquidationParams{
		Borrower:        "0xdeadbeef",
		DebtToken:       "DAI",
		CollateralToken: "DAI",
		DebtAmount:      big.NewInt(2_000_000),
		CloseFactorBps:  5000,
		IncentiveBps:    10500,
	}

	s := NewLiquidationStrategy(market)
	// Principal exceeds the close-factor cap; only 1,000,000 is repaid and
	// the remainder rides along untouched.
	final, err := s.Run(context.Background(), liqOpportunity(params, 1_500_000, 0), big.NewInt(1_500_000))
	require.NoError(t, err)

	// 500,000 remainder + 1,050,000 seized.
	assert.Equal(t, int64(1_550_000), final.Int64())
}

func TestLiquidationRunRepayCappedByPrincipal(t *testing.T) {
	market := NewSimMarket(0)
	params := domain.LiquidationParams{
		Borrower:        "0xdeadbeef",
		DebtToken:       "DAI",
		CollateralToken: "DAI",
		DebtAmount:      big.NewInt(10_000_000),
		CloseFactorBps:  5000,
		IncentiveBps:    10800,
	}

	s := NewLiquidationStrategy(market)
	final, err := s.Run(context.Background(), liqOpportunity(params, 400_000, 0), big.NewInt(400_000))
	require.NoError(t, err)

	// Full principal repaid, seized 108% of it back.
	assert.Equal(t, int64(432_000), final.Int64())
}

func TestLiquidationRunMissingPayload(t *testing.T) {
	s := NewLiquidationStrategy(NewSimMarket(0))
	opp := domain.Opportunity{ID: "opp-x", Kind: domain.KindLiquidation}
	_, err := s.Run(context.Background(), opp, big.NewInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no liquidation payload")
}

func TestLiquidationRunSlippageBound(t *testing.T) {
	// The collateral swap pays out less than the slippage floor allows.
	market := NewSimMarket(0)
	market.SetRate("DAI", "WETH", Ratio{Num: 1, Den: 2000})
	market.SetRate("WETH", "DAI", Ratio{Num: 1800, Den: 1})

	params := domain.LiquidationParams{
		Borrower:        "0xdeadbeef",
		DebtToken:       "DAI",
		CollateralToken: "WETH",
		DebtAmount:      big.NewInt(2_000_000),
		CloseFactorBps:  5000,
		IncentiveBps:    10100, // seized 1,010,000 DAI worth, swap pays 909,000
	}

	s := NewLiquidationStrategy(market)
	_, err := s.Run(context.Background(), liqOpportunity(params, 1_000_000, 100), big.NewInt(1_000_000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum")
}

func TestEstimateLiquidationProfit(t *testing.T) {
	params := domain.LiquidationParams{
		DebtToken:       "DAI",
		CollateralToken: "WETH",
		DebtAmount:      big.NewInt(2_000_000),
		CloseFactorBps:  5000,
		IncentiveBps:    10800,
	}

	// repay 1,000,000; bonus 80,000; borrow fee 900; gas 5,000.
	got := EstimateLiquidationProfit(params, big.NewInt(1_000_000), 9, big.NewInt(5_000))
	assert.Equal(t, int64(74_100), got.Int64())

	// Underwater once gas dominates.
	got = EstimateLiquidationProfit(params, big.NewInt(1_000_000), 9, big.NewInt(100_000))
	assert.Equal(t, int64(-20_900), got.Int64())
}

func TestArbitrageRunRouteValidation(t *testing.T) {
	s := NewArbitrageStrategy(roundTripMarket())

	tests := []struct {
		name    string
		payload *domain.ArbitrageParams
		wantErr string
	}{
		{"missing payload", nil, "no arbitrage payload"},
		{"short route", &domain.ArbitrageParams{TokenIn: "USDC", Route: []string{"USDC"}}, "at least two hops"},
		{"open route", &domain.ArbitrageParams{TokenIn: "USDC", Route: []string{"USDC", "WETH"}}, "start and end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opp := domain.Opportunity{ID: "opp-a", Kind: domain.KindArbitrage, Arbitrage: tt.payload}
			_, err := s.Run(context.Background(), opp, big.NewInt(1_000_000))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestArbitrageRunMinOut(t *testing.T) {
	s := NewArbitrageStrategy(roundTripMarket())

	opp := profitableArb(1_000_000)
	opp.Arbitrage.MinOut = big.NewInt(1_100_000) // route yields 1,050,000

	_, err := s.Run(context.Background(), opp, big.NewInt(1_000_000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum")
}
