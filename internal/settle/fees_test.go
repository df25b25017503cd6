package settle

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTiers() []Tier {
	return []Tier{
		{Name: "BRONZE", MinVolume: big.NewInt(0), DiscountBps: 0},
		{Name: "SILVER", MinVolume: big.NewInt(1_000_000), DiscountBps: 1000},
		{Name: "GOLD", MinVolume: big.NewInt(10_000_000), DiscountBps: 2500},
		{Name: "WHALE", MinVolume: big.NewInt(100_000_000), DiscountBps: 5000},
	}
}

func TestFeeScheduleTierFor(t *testing.T) {
	fees := NewFeeSchedule(50, testTiers())

	tests := []struct {
		name   string
		volume *big.Int
		want   string
	}{
		{"zero volume", big.NewInt(0), "BRONZE"},
		{"below first threshold", big.NewInt(999_999), "BRONZE"},
		{"exactly at threshold", big.NewInt(1_000_000), "SILVER"},
		{"mid tier", big.NewInt(50_000_000), "GOLD"},
		{"top tier", big.NewInt(500_000_000), "WHALE"},
		{"nil volume", nil, "BRONZE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fees.TierFor(tt.volume).Name)
		})
	}
}

func TestFeeScheduleFeeOn(t *testing.T) {
	fees := NewFeeSchedule(50, testTiers())

	t.Run("base rate without discount", func(t *testing.T) {
		// 50 bps on 10,000 is 50.
		fee, tier := fees.FeeOn(big.NewInt(10_000), big.NewInt(0))
		assert.Equal(t, "BRONZE", tier.Name)
		assert.Equal(t, int64(50), fee.Int64())
	})

	t.Run("whale discount halves the fee", func(t *testing.T) {
		fee, tier := fees.FeeOn(big.NewInt(10_000), big.NewInt(200_000_000))
		assert.Equal(t, "WHALE", tier.Name)
		assert.Equal(t, int64(25), fee.Int64())
	})

	t.Run("silver discount", func(t *testing.T) {
		// effective 45 bps.
		fee, tier := fees.FeeOn(big.NewInt(100_000), big.NewInt(2_000_000))
		assert.Equal(t, "SILVER", tier.Name)
		assert.Equal(t, int64(450), fee.Int64())
	})

	t.Run("non-positive profit pays nothing", func(t *testing.T) {
		fee, _ := fees.FeeOn(big.NewInt(0), big.NewInt(0))
		assert.Equal(t, int64(0), fee.Int64())

		fee, _ = fees.FeeOn(big.NewInt(-500), big.NewInt(0))
		assert.Equal(t, int64(0), fee.Int64())

		fee, _ = fees.FeeOn(nil, big.NewInt(0))
		assert.Equal(t, int64(0), fee.Int64())
	})

	t.Run("empty schedule falls back to default tier", func(t *testing.T) {
		empty := NewFeeSchedule(50, nil)
		fee, tier := empty.FeeOn(big.NewInt(10_000), big.NewInt(1))
		require.Equal(t, "DEFAULT", tier.Name)
		assert.Equal(t, int64(50), fee.Int64())
	})
}
