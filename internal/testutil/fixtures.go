package testutil

import (
	"testing"

	fpmath "PerpAMM/internal/math"
	"PerpAMM/internal/pricing"
	"PerpAMM/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const TestMarketID = "ETH-USD"

// X96 returns price·2^96.
func X96(price uint64) fpmath.Uint {
	v, err := fpmath.NewUint(price).Mul(fpmath.Q96)
	if err != nil {
		panic(err)
	}
	return v
}

// U is shorthand for fpmath.NewUint.
func U(v uint64) fpmath.Uint { return fpmath.NewUint(v) }

// NewTestMarketConfig returns a market where, at liquidity L and index price
// p, vertex i sits at size L·i/(100·p): with L = 10_000_000 and p = 100 the
// vertices are 0, 1000, 2000, ... and the first segment carries no premium.
//
// Maintenance for a position worth 10_000 is 40 + 10 = 50.
func NewTestMarketConfig() state.MarketConfig {
	cfg := state.MarketConfig{
		MarketID: TestMarketID,
		Base: state.MarketBaseConfig{
			MinMarginPerLiquidityPosition:          U(10),
			MaxLeveragePerLiquidityPosition:        100,
			LiquidationFeeRatePerLiquidityPosition: 50,

			MinMarginPerPosition:          U(10),
			MaxLeveragePerPosition:        100,
			LiquidationFeeRatePerPosition: 40,

			MaxPositionLiquidity:   U(1_000_000_000_000),
			MaxPositionValueRate:   10_000,
			MaxSizeRatePerPosition: 5_000,

			LiquidationExecutionFee: U(10),
			InterestRate:            1,
			MaxFundingRate:          150,
		},
		Fee: state.MarketFeeRateConfig{
			TradingFeeRate:              5,
			ProtocolFeeRate:             3_000,
			ReferralReturnFeeRate:       1_000,
			ReferralParentReturnFeeRate: 500,
			ReferralDiscountRate:        1_000,
		},
		Price: pricing.Config{
			MaxPriceImpactLiquidity: U(1_000_000_000_000),
			LiquidationVertexIndex:  5,
		},
	}
	premiums := [fpmath.VertexNum]uint32{0, 0, 50, 100, 150, 200, 250, 300, 350, 400}
	for i := range cfg.Price.Vertices {
		cfg.Price.Vertices[i] = pricing.VertexConfig{BalanceRate: uint32(i * 100), PremiumRate: premiums[i]}
	}
	return cfg
}

// NewTestMarket creates the test market at index price 100.
func NewTestMarket(t *testing.T) *state.Market {
	t.Helper()
	m, err := state.NewMarket(NewTestMarketConfig(), X96(100))
	require.NoError(t, err)
	return m
}

// AddLiquidity opens an LP stake for a fresh account and returns it.
func AddLiquidity(t *testing.T, m *state.Market, margin, liquidity uint64) uuid.UUID {
	t.Helper()
	account := uuid.New()
	_, err := m.IncreaseLiquidityPosition(state.IncreaseLiquidityPositionParams{
		Account:        account,
		MarginDelta:    U(margin),
		LiquidityDelta: U(liquidity),
		IndexPriceX96:  m.IndexPriceX96,
	})
	require.NoError(t, err)
	return account
}
