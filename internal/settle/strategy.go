package settle

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/calegray/flashhawk/internal/domain"
)

// Strategy is the capability set every settlement strategy must satisfy:
// consume the borrowed principal, produce a final balance in the settlement
// token. Implementations are dispatched by kind tag; the state machine never
// changes when a new kind registers.
type Strategy interface {
	Kind() domain.StrategyKind
	Run(ctx context.Context, opp domain.Opportunity, principal *big.Int) (finalBalance *big.Int, err error)
}

// Market is the venue-side surface strategies execute against: debt
// repayment with collateral seizure, and token swaps with minimum-output
// protection.
type Market interface {
	// Liquidate repays repayAmount of the borrower's debt and returns the
	// seized collateral amount, in collateral token units.
	Liquidate(ctx context.Context, p domain.LiquidationParams, repayAmount *big.Int) (seized *big.Int, err error)
	// Swap converts amountIn of tokenIn to tokenOut. It fails when the
	// output would fall below minOut; pass nil to disable the bound.
	Swap(ctx context.Context, tokenIn, tokenOut string, amountIn, minOut *big.Int) (*big.Int, error)
}

// Registry maps strategy kind tags to implementations. It is safe for
// concurrent use. Unknown tags are rejected explicitly.
type Registry struct {
	mu         sync.RWMutex
	strategies map[domain.StrategyKind]Strategy
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[domain.StrategyKind]Strategy)}
}

// Register adds a strategy under its kind tag. An existing registration for
// the same tag is replaced.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Kind()] = s
}

// Get retrieves a strategy by kind. It returns domain.ErrUnknownStrategy
// wrapped with the tag when the kind is not registered.
func (r *Registry) Get(kind domain.StrategyKind) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, kind)
	}
	return s, nil
}

// Kinds returns the registered kind tags in sorted order.
func (r *Registry) Kinds() []domain.StrategyKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]domain.StrategyKind, 0, len(r.strategies))
	for k := range r.strategies {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
