package state_test

import (
	"testing"

	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"
	"PerpAMM/internal/state"
	"PerpAMM/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hourStart = int64(7200)

func TestSampleAndAdjustFundingRate_FirstCallAligns(t *testing.T) {
	m := testutil.NewTestMarket(t)

	res, err := m.SampleAndAdjustFundingRate(hourStart+123, testutil.X96(100))
	require.NoError(t, err)
	assert.False(t, res.Adjusted)
	assert.Equal(t, hourStart, m.GlobalFundingRateSample.LastAdjustFundingRateTime)
}

func TestSampleAndAdjustFundingRate_AccumulatesSignedPremium(t *testing.T) {
	m := testutil.NewTestMarket(t)
	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	openPosition(t, m, uuid.New(), 5000, 1500)
	premium := m.PriceState.PremiumRateX96
	require.False(t, premium.IsZero(), "trade must leave the flat segment")

	_, err := m.SampleAndAdjustFundingRate(hourStart, testutil.X96(100))
	require.NoError(t, err)
	res, err := m.SampleAndAdjustFundingRate(hourStart+27, testutil.X96(100))
	require.NoError(t, err)
	assert.False(t, res.Adjusted)

	s := m.GlobalFundingRateSample
	assert.Equal(t, uint16(5), s.SampleCount)
	want, err := fpmath.Sum(premium, premium, premium, premium, premium)
	require.NoError(t, err)
	assert.Equal(t, want.String(), s.CumulativePremiumRateX96.String(), "LPs short: longs pay")

	// Earlier timestamps are ignored.
	_, err = m.SampleAndAdjustFundingRate(hourStart-1, testutil.X96(100))
	require.NoError(t, err)
	assert.Equal(t, s, m.GlobalFundingRateSample)
}

func TestSampleAndAdjustFundingRate_LongsPayIntoEmptyShortSide(t *testing.T) {
	m := testutil.NewTestMarket(t)
	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	trader := uuid.New()
	openPosition(t, m, trader, 1000, 500)
	growthBefore := m.GlobalLiquidityPosition.UnrealizedPnLGrowthX64

	_, err := m.SampleAndAdjustFundingRate(hourStart, testutil.X96(100))
	require.NoError(t, err)
	res, err := m.SampleAndAdjustFundingRate(hourStart+state.AdjustInterval, testutil.X96(100))
	require.NoError(t, err)
	require.True(t, res.Adjusted)

	// Flat segment: zero premium, so the rate is the 1bp interest alone.
	interest, err := fpmath.ApplyBasisPoints(fpmath.Q96, 1, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, interest.ToInt(), res.FundingRateX96)

	assert.True(t, res.LongGrowthDeltaX96.IsNegative())
	assert.True(t, res.ShortGrowthDeltaX96.IsZero())
	assert.True(t, m.GlobalPosition.ShortFundingRateGrowthX96.IsZero())
	assert.False(t, res.LiquidityFunding.IsZero())
	assert.Equal(t, 1, m.GlobalLiquidityPosition.UnrealizedPnLGrowthX64.Cmp(growthBefore))
	assert.True(t, m.PreviousGlobalFundingRate.LongFundingRateGrowthX96.IsZero())

	s := m.GlobalFundingRateSample
	assert.Equal(t, hourStart+state.AdjustInterval, s.LastAdjustFundingRateTime)
	assert.Zero(t, s.SampleCount)
	assert.True(t, s.CumulativePremiumRateX96.IsZero())

	pos := m.Positions[state.PositionKey{Account: trader, Side: event.SideLong}]
	fee, err := fpmath.CalculateFundingFee(m.GlobalPosition.LongFundingRateGrowthX96, pos.EntryFundingRateGrowthX96, pos.Size)
	require.NoError(t, err)
	assert.Equal(t, "-5", fee.String())
}

func TestSampleAndAdjustFundingRate_ClampsAndPaysReceivers(t *testing.T) {
	cfg := testutil.NewTestMarketConfig()
	cfg.Base.InterestRate = 500
	m, err := state.NewMarket(cfg, testutil.X96(100))
	require.NoError(t, err)
	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	openPosition(t, m, uuid.New(), 1000, 200)
	_, err = m.IncreasePosition(state.IncreasePositionParams{
		Account:       uuid.New(),
		Side:          event.SideShort,
		MarginDelta:   testutil.U(1000),
		SizeDelta:     testutil.U(100),
		IndexPriceX96: testutil.X96(100),
	})
	require.NoError(t, err)

	_, err = m.SampleAndAdjustFundingRate(hourStart, testutil.X96(100))
	require.NoError(t, err)
	res, err := m.SampleAndAdjustFundingRate(hourStart+state.AdjustInterval+1, testutil.X96(100))
	require.NoError(t, err)
	require.True(t, res.Adjusted)

	limit, err := fpmath.ApplyBasisPoints(fpmath.Q96, cfg.Base.MaxFundingRate, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, limit.ToInt(), res.FundingRateX96)

	// 200 longs pay, 100 shorts receive twice the per-unit amount.
	paid := res.LongGrowthDeltaX96.Abs()
	doubled, err := paid.Add(paid)
	require.NoError(t, err)
	assert.Equal(t, doubled.ToInt(), res.ShortGrowthDeltaX96)
	assert.True(t, res.LiquidityFunding.IsZero())
}
