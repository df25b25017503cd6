package settle

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/calegray/flashhawk/internal/domain"
)

// SimLender is an in-memory lending source used by dry-run mode and tests.
// It holds a per-token liquidity pool and enforces the atomic borrow
// contract: funds are delivered before the continuation runs, and a failing
// continuation (or an under-repayment) rolls the pool back entirely.
type SimLender struct {
	feeBps int

	mu   sync.Mutex
	pool map[string]*big.Int
}

// NewSimLender creates a SimLender charging feeBps on borrowed principal.
func NewSimLender(feeBps int) *SimLender {
	return &SimLender{
		feeBps: feeBps,
		pool:   make(map[string]*big.Int),
	}
}

// Fund adds liquidity for a token.
func (l *SimLender) Fund(token string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.pool[token]
	if !ok {
		cur = new(big.Int)
		l.pool[token] = cur
	}
	cur.Add(cur, amount)
}

// Liquidity returns the current pool balance for a token.
func (l *SimLender) Liquidity(token string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.pool[token]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(cur)
}

// Borrow delivers amount of token to the continuation and collects
// amount + fee back. Any continuation error or repayment shortfall restores
// the pool to its pre-borrow state and surfaces the error.
func (l *SimLender) Borrow(ctx context.Context, token string, amount *big.Int, fn BorrowFunc) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("sim lender: borrow amount must be positive")
	}

	l.mu.Lock()
	cur, ok := l.pool[token]
	if !ok || cur.Cmp(amount) < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: insufficient %s liquidity", domain.ErrLenderUnavail, token)
	}
	snapshot := new(big.Int).Set(cur)
	cur.Sub(cur, amount)
	l.mu.Unlock()

	fee := new(big.Int).Mul(amount, big.NewInt(int64(l.feeBps)))
	fee.Div(fee, big.NewInt(bpsDenominator))
	owed := new(big.Int).Add(amount, fee)

	rollback := func() {
		l.mu.Lock()
		l.pool[token].Set(snapshot)
		l.mu.Unlock()
	}

	repay, err := fn(ctx, new(big.Int).Set(amount), fee)
	if err != nil {
		rollback()
		return err
	}
	if repay == nil || repay.Cmp(owed) < 0 {
		rollback()
		return fmt.Errorf("%w: repaid %s, owed %s", domain.ErrShortfall, repay, owed)
	}

	l.mu.Lock()
	l.pool[token].Add(l.pool[token], repay)
	l.mu.Unlock()
	return nil
}

// Ratio is an exchange rate expressed as an integer fraction so no floating
// point touches amounts.
type Ratio struct {
	Num int64
	Den int64
}

// SimMarket is a deterministic in-memory market used by dry-run mode and
// tests. Swap rates are configured per ordered pair; liquidations seize
// collateral at the payload's incentive multiplier.
type SimMarket struct {
	mu      sync.RWMutex
	rates   map[string]Ratio
	swapFee int // bps taken on every swap output
}

// NewSimMarket creates an empty SimMarket charging swapFeeBps per swap.
func NewSimMarket(swapFeeBps int) *SimMarket {
	return &SimMarket{
		rates:   make(map[string]Ratio),
		swapFee: swapFeeBps,
	}
}

// SetRate configures the conversion rate for the ordered pair in -> out.
func (m *SimMarket) SetRate(tokenIn, tokenOut string, r Ratio) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[tokenIn+"/"+tokenOut] = r
}

// Swap converts amountIn at the configured rate minus the swap fee.
func (m *SimMarket) Swap(ctx context.Context, tokenIn, tokenOut string, amountIn, minOut *big.Int) (*big.Int, error) {
	m.mu.RLock()
	r, ok := m.rates[tokenIn+"/"+tokenOut]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sim market: no route %s -> %s", tokenIn, tokenOut)
	}
	if r.Den == 0 {
		return nil, fmt.Errorf("sim market: invalid rate for %s -> %s", tokenIn, tokenOut)
	}

	out := new(big.Int).Mul(amountIn, big.NewInt(r.Num))
	out.Div(out, big.NewInt(r.Den))
	if m.swapFee > 0 {
		out.Mul(out, big.NewInt(int64(bpsDenominator-m.swapFee)))
		out.Div(out, big.NewInt(bpsDenominator))
	}

	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("sim market: output %s below minimum %s", out, minOut)
	}
	return out, nil
}

// Liquidate seizes collateral worth repayAmount × incentive, converted to
// collateral token units when a rate is configured for the pair; otherwise
// the two tokens are assumed to trade at par.
func (m *SimMarket) Liquidate(ctx context.Context, p domain.LiquidationParams, repayAmount *big.Int) (*big.Int, error) {
	if repayAmount == nil || repayAmount.Sign() <= 0 {
		return nil, fmt.Errorf("sim market: repay amount must be positive")
	}

	seizedValue := new(big.Int).Mul(repayAmount, big.NewInt(int64(p.IncentiveBps)))
	seizedValue.Div(seizedValue, big.NewInt(bpsDenominator))

	if p.CollateralToken == p.DebtToken {
		return seizedValue, nil
	}

	m.mu.RLock()
	r, ok := m.rates[p.DebtToken+"/"+p.CollateralToken]
	m.mu.RUnlock()
	if !ok {
		return seizedValue, nil
	}
	out := new(big.Int).Mul(seizedValue, big.NewInt(r.Num))
	return out.Div(out, big.NewInt(r.Den)), nil
}
