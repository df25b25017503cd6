package settle

import (
	"math/big"
)

// Tier is one row of the platform fee discount schedule. Accounts whose
// cumulative settled volume reaches MinVolume receive DiscountBps off the
// base rate; the highest-volume tier carries the largest discount.
type Tier struct {
	Name        string
	MinVolume   *big.Int
	DiscountBps int
}

// FeeSchedule resolves the effective platform fee on gross profit from the
// base rate and the discount tiers.
type FeeSchedule struct {
	baseBps int
	tiers   []Tier
}

// NewFeeSchedule creates a FeeSchedule. Tiers must be ordered by ascending
// MinVolume; the first tier is the default.
func NewFeeSchedule(baseBps int, tiers []Tier) *FeeSchedule {
	return &FeeSchedule{baseBps: baseBps, tiers: tiers}
}

// TierFor returns the highest tier whose MinVolume the given cumulative
// volume reaches.
func (f *FeeSchedule) TierFor(volume *big.Int) Tier {
	if len(f.tiers) == 0 {
		return Tier{Name: "DEFAULT", MinVolume: new(big.Int)}
	}
	current := f.tiers[0]
	if volume == nil {
		return current
	}
	for _, t := range f.tiers[1:] {
		if t.MinVolume != nil && volume.Cmp(t.MinVolume) >= 0 {
			current = t
		}
	}
	return current
}

// FeeOn computes the platform fee on grossProfit for an account with the
// given cumulative volume: gross × baseBps × (10000 − discount) / 10000².
// It returns the fee and the tier that applied.
func (f *FeeSchedule) FeeOn(grossProfit, volume *big.Int) (*big.Int, Tier) {
	tier := f.TierFor(volume)
	if grossProfit == nil || grossProfit.Sign() <= 0 || f.baseBps <= 0 {
		return new(big.Int), tier
	}

	effectiveBps := int64(f.baseBps) * int64(bpsDenominator-tier.DiscountBps)
	fee := new(big.Int).Mul(grossProfit, big.NewInt(effectiveBps))
	fee.Div(fee, big.NewInt(bpsDenominator*bpsDenominator))
	return fee, tier
}
