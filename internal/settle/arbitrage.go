package settle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/calegray/flashhawk/internal/domain"
)

// ArbitrageStrategy consumes the principal in one token, executes the venue
// swaps along the payload route, and returns the final balance in the
// settlement token. The route's minimum-output bound protects the last leg.
type ArbitrageStrategy struct {
	market Market
}

// NewArbitrageStrategy creates the arbitrage strategy over the given market
// surface.
func NewArbitrageStrategy(market Market) *ArbitrageStrategy {
	return &ArbitrageStrategy{market: market}
}

// Kind returns the arbitrage tag.
func (s *ArbitrageStrategy) Kind() domain.StrategyKind {
	return domain.KindArbitrage
}

// Run walks the swap route. The route must start and end at the settlement
// token so the final balance repays the loan in kind.
func (s *ArbitrageStrategy) Run(ctx context.Context, opp domain.Opportunity, principal *big.Int) (*big.Int, error) {
	p := opp.Arbitrage
	if p == nil {
		return nil, fmt.Errorf("arbitrage: opportunity carries no arbitrage payload")
	}
	if len(p.Route) < 2 {
		return nil, fmt.Errorf("arbitrage: route needs at least two hops, got %d", len(p.Route))
	}
	if p.Route[0] != p.TokenIn || p.Route[len(p.Route)-1] != p.TokenIn {
		return nil, fmt.Errorf("arbitrage: route must start and end at %s", p.TokenIn)
	}

	balance := new(big.Int).Set(principal)
	for i := 0; i < len(p.Route)-1; i++ {
		// The per-leg bound applies only on the final hop; intermediate
		// legs ride the route.
		var minOut *big.Int
		if i == len(p.Route)-2 {
			minOut = p.MinOut
		}

		out, err := s.market.Swap(ctx, p.Route[i], p.Route[i+1], balance, minOut)
		if err != nil {
			return nil, fmt.Errorf("arbitrage: hop %d %s->%s: %w", i, p.Route[i], p.Route[i+1], err)
		}
		balance = out
	}

	if p.MinOut != nil && balance.Cmp(p.MinOut) < 0 {
		return nil, fmt.Errorf("arbitrage: output %s below minimum %s", balance, p.MinOut)
	}
	return balance, nil
}
