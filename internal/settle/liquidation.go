package settle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/calegray/flashhawk/internal/domain"
)

const bpsDenominator = 10_000

// LiquidationStrategy repays a borrower's outstanding debt (capped by the
// protocol close factor) in exchange for discounted collateral, then swaps
// the seized collateral back to the settlement token when the two differ.
type LiquidationStrategy struct {
	market Market
}

// NewLiquidationStrategy creates the liquidation strategy over the given
// market surface.
func NewLiquidationStrategy(market Market) *LiquidationStrategy {
	return &LiquidationStrategy{market: market}
}

// Kind returns the liquidation tag.
func (s *LiquidationStrategy) Kind() domain.StrategyKind {
	return domain.KindLiquidation
}

// Run consumes the borrowed principal to repay debt and returns the final
// balance in the settlement (debt) token.
func (s *LiquidationStrategy) Run(ctx context.Context, opp domain.Opportunity, principal *big.Int) (*big.Int, error) {
	p := opp.Liquidation
	if p == nil {
		return nil, fmt.Errorf("liquidation: opportunity carries no liquidation payload")
	}
	if p.DebtAmount == nil || p.DebtAmount.Sign() <= 0 {
		return nil, fmt.Errorf("liquidation: debt amount must be positive")
	}

	// Close factor caps how much of the debt one liquidation may repay.
	repay := maxRepayable(p.DebtAmount, p.CloseFactorBps)
	if repay.Cmp(principal) > 0 {
		repay = new(big.Int).Set(principal)
	}
	if repay.Sign() <= 0 {
		return nil, fmt.Errorf("liquidation: nothing repayable for borrower %s", p.Borrower)
	}

	seized, err := s.market.Liquidate(ctx, *p, repay)
	if err != nil {
		return nil, fmt.Errorf("liquidation: repay debt: %w", err)
	}

	proceeds := seized
	if p.CollateralToken != p.DebtToken {
		// Slippage protection on the conversion leg: accept no less than
		// the repaid value after the opportunity's tolerance.
		minOut := applySlippage(repay, opp.MaxSlippageBps)
		proceeds, err = s.market.Swap(ctx, p.CollateralToken, p.DebtToken, seized, minOut)
		if err != nil {
			return nil, fmt.Errorf("liquidation: collateral swap: %w", err)
		}
	}

	// Final balance: untouched remainder of the principal plus the
	// liquidation proceeds.
	final := new(big.Int).Sub(principal, repay)
	final.Add(final, proceeds)
	return final, nil
}

// EstimateLiquidationProfit is the read-only profitability precheck run
// before an opportunity is admitted: seized value at the incentive
// multiplier, minus repayment, borrow fee, and estimated gas. It is an
// optimization, never a substitute for the in-unit verification.
func EstimateLiquidationProfit(p domain.LiquidationParams, principal *big.Int, borrowFeeBps int, gasCost *big.Int) *big.Int {
	repay := maxRepayable(p.DebtAmount, p.CloseFactorBps)
	if principal != nil && repay.Cmp(principal) > 0 {
		repay = new(big.Int).Set(principal)
	}

	seizedValue := new(big.Int).Mul(repay, big.NewInt(int64(p.IncentiveBps)))
	seizedValue.Div(seizedValue, big.NewInt(bpsDenominator))

	borrowFee := new(big.Int).Mul(repay, big.NewInt(int64(borrowFeeBps)))
	borrowFee.Div(borrowFee, big.NewInt(bpsDenominator))

	profit := new(big.Int).Sub(seizedValue, repay)
	profit.Sub(profit, borrowFee)
	if gasCost != nil {
		profit.Sub(profit, gasCost)
	}
	return profit
}

// maxRepayable returns debt × closeFactor, in debt token units.
func maxRepayable(debt *big.Int, closeFactorBps int) *big.Int {
	if closeFactorBps <= 0 || closeFactorBps > bpsDenominator {
		closeFactorBps = bpsDenominator / 2
	}
	v := new(big.Int).Mul(debt, big.NewInt(int64(closeFactorBps)))
	return v.Div(v, big.NewInt(bpsDenominator))
}

// applySlippage reduces value by tolerance basis points.
func applySlippage(value *big.Int, toleranceBps int) *big.Int {
	if toleranceBps <= 0 || toleranceBps >= bpsDenominator {
		return new(big.Int).Set(value)
	}
	v := new(big.Int).Mul(value, big.NewInt(int64(bpsDenominator-toleranceBps)))
	return v.Div(v, big.NewInt(bpsDenominator))
}
