package state_test

import (
	"encoding/json"
	"testing"

	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"
	"PerpAMM/internal/state"
	"PerpAMM/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPosition(t *testing.T, m *state.Market, account uuid.UUID, margin, size uint64) state.IncreasePositionResult {
	t.Helper()
	res, err := m.IncreasePosition(state.IncreasePositionParams{
		Account:       account,
		Side:          event.SideLong,
		MarginDelta:   testutil.U(margin),
		SizeDelta:     testutil.U(size),
		IndexPriceX96: testutil.X96(100),
	})
	require.NoError(t, err)
	return res
}

func longKey(account uuid.UUID) state.PositionKey {
	return state.PositionKey{Account: account, Side: event.SideLong}
}

func TestIncreasePosition_BalancedPoolTradesAtIndex(t *testing.T) {
	m := testutil.NewTestMarket(t)
	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	trader := uuid.New()

	res := openPosition(t, m, trader, 1000, 500)

	assert.True(t, res.TradePriceX96.EQ(testutil.X96(100)), "trade price %s", res.TradePriceX96)
	assert.True(t, res.EntryPriceX96.EQ(testutil.X96(100)))
	assert.Equal(t, "500", m.GlobalPosition.LongSize.String())
	assert.True(t, m.GlobalPosition.ShortSize.IsZero())

	// fee = ⌈50_000·5/10_000⌉ = 25, 30% of it to the protocol
	assert.Equal(t, "25", res.Fees.TradingFee.String())
	assert.Equal(t, "7", m.ProtocolFee.String())
	assert.Equal(t, "975", res.MarginAfter.String())
	assert.Equal(t, "101000", m.USDBalance.String())

	pos := m.Positions[longKey(trader)]
	require.NotNil(t, pos)
	assert.Equal(t, "500", pos.Size.String())
	assert.Equal(t, event.SideShort, m.GlobalLiquidityPosition.Side)
	assert.Equal(t, "500", m.GlobalLiquidityPosition.NetSize.String())
}

func TestIncreasePosition_Rejections(t *testing.T) {
	m := testutil.NewTestMarket(t)
	trader := uuid.New()

	_, err := m.IncreasePosition(state.IncreasePositionParams{
		Account: trader, Side: event.SideLong, MarginDelta: testutil.U(1000), IndexPriceX96: testutil.X96(100),
	})
	require.ErrorIs(t, err, state.ErrPositionNotFound)

	_, err = m.IncreasePosition(state.IncreasePositionParams{
		Account: trader, Side: event.SideLong, MarginDelta: testutil.U(1000), SizeDelta: testutil.U(1), IndexPriceX96: testutil.X96(100),
	})
	require.ErrorIs(t, err, state.ErrInsufficientGlobalLiquidity)

	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	_, err = m.IncreasePosition(state.IncreasePositionParams{
		Account: trader, Side: event.SideLong, MarginDelta: testutil.U(100_000), SizeDelta: testutil.U(50_001), IndexPriceX96: testutil.X96(100),
	})
	require.ErrorIs(t, err, state.ErrSizeExceedsMaxSizePerPosition)

	_, err = m.IncreasePosition(state.IncreasePositionParams{
		Account: trader, Side: event.Side(0), MarginDelta: testutil.U(1000), SizeDelta: testutil.U(1), IndexPriceX96: testutil.X96(100),
	})
	require.ErrorIs(t, err, state.ErrInvalidOperation)

	_, err = m.IncreasePosition(state.IncreasePositionParams{
		Account: trader, Side: event.SideLong, MarginDelta: testutil.U(400), SizeDelta: testutil.U(500), IndexPriceX96: testutil.X96(100),
	})
	require.ErrorIs(t, err, state.ErrLeverageTooHigh)
}

func TestIncreasePosition_AcceptablePriceRollsBack(t *testing.T) {
	m := testutil.NewTestMarket(t)
	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	before := m.Digest()

	acceptable, err := testutil.X96(100).Sub(fpmath.NewUint(1))
	require.NoError(t, err)
	_, err = m.IncreasePosition(state.IncreasePositionParams{
		Account:                 uuid.New(),
		Side:                    event.SideLong,
		MarginDelta:             testutil.U(1000),
		SizeDelta:               testutil.U(500),
		IndexPriceX96:           testutil.X96(100),
		AcceptableTradePriceX96: &acceptable,
	})
	require.ErrorIs(t, err, state.ErrInvalidOperation)
	assert.Equal(t, before, m.Digest(), "curve move and fees must be undone")
	assert.Empty(t, m.Positions)
}

func TestIncreasePosition_ReferralSplit(t *testing.T) {
	m := testutil.NewTestMarket(t)
	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	token, parent := uint64(7), uint64(8)

	res, err := m.IncreasePosition(state.IncreasePositionParams{
		Account:             uuid.New(),
		Side:                event.SideLong,
		MarginDelta:         testutil.U(1000),
		SizeDelta:           testutil.U(500),
		IndexPriceX96:       testutil.X96(100),
		ReferralToken:       &token,
		ReferralParentToken: &parent,
	})
	require.NoError(t, err)

	// Discounted rate ⌊5·0.9⌋ = 4 on 50_000.
	assert.Equal(t, "20", res.Fees.TradingFee.String())
	assert.Equal(t, "6", m.ProtocolFee.String())
	assert.Equal(t, "2", m.ReferralFees[token].String())
	assert.Equal(t, "1", m.ReferralFees[parent].String())
	assert.Equal(t, "11", res.Fees.LiquidityFee.String())
}

func TestDecreasePosition_RoundTripConservesBalance(t *testing.T) {
	m := testutil.NewTestMarket(t)
	lp := testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	trader := uuid.New()
	openPosition(t, m, trader, 1000, 500)

	res, err := m.DecreasePosition(state.DecreasePositionParams{
		Account:       trader,
		Side:          event.SideLong,
		SizeDelta:     testutil.U(500),
		IndexPriceX96: testutil.X96(100),
		Receiver:      trader,
	})
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.True(t, res.RealizedPnL.IsZero())
	assert.Equal(t, "950", res.MarginDeltaPaid.String())
	assert.Empty(t, m.Positions)
	assert.True(t, m.GlobalPosition.LongSize.IsZero())
	assert.True(t, m.GlobalLiquidityPosition.NetSize.IsZero())

	_, err = m.DecreaseLiquidityPosition(state.DecreaseLiquidityPositionParams{
		Account:        lp,
		LiquidityDelta: testutil.U(10_000_000),
		IndexPriceX96:  testutil.X96(100),
		Receiver:       lp,
	})
	require.NoError(t, err)

	// Whatever is left belongs to the protocol, plus rounding dust.
	residual, err := m.USDBalance.Sub(m.ProtocolFee)
	require.NoError(t, err)
	assert.True(t, residual.LTE(fpmath.NewUint(2)), "residual %s", residual)
}

func TestDecreasePosition_ClosesAtMovedIndex(t *testing.T) {
	m := testutil.NewTestMarket(t)
	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	trader := uuid.New()
	openPosition(t, m, trader, 5000, 500)
	require.NoError(t, m.UpdateIndexPrice(testutil.X96(95)))

	res, err := m.DecreasePosition(state.DecreasePositionParams{
		Account:       trader,
		Side:          event.SideLong,
		SizeDelta:     testutil.U(500),
		IndexPriceX96: testutil.X96(95),
		Receiver:      trader,
	})
	require.NoError(t, err)
	require.True(t, res.Closed)

	// Flat first segment: the close fills at the new index, not the basis.
	assert.True(t, res.TradePriceX96.EQ(testutil.X96(95)), "trade price %s", res.TradePriceX96)
	assert.Equal(t, "-2500", res.RealizedPnL.String())
	// 4975 margin − 2500 loss − ⌈47_500·5/10_000⌉ fee
	assert.Equal(t, "2451", res.MarginDeltaPaid.String())
}

func TestDecreasePosition_Rejections(t *testing.T) {
	m := testutil.NewTestMarket(t)
	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	trader := uuid.New()

	_, err := m.DecreasePosition(state.DecreasePositionParams{
		Account: trader, Side: event.SideLong, SizeDelta: testutil.U(1), IndexPriceX96: testutil.X96(100),
	})
	require.ErrorIs(t, err, state.ErrPositionNotFound)

	openPosition(t, m, trader, 1000, 500)
	before := m.Digest()

	_, err = m.DecreasePosition(state.DecreasePositionParams{
		Account: trader, Side: event.SideLong, SizeDelta: testutil.U(501), IndexPriceX96: testutil.X96(100),
	})
	require.ErrorIs(t, err, state.ErrInsufficientSizeToDecrease)

	_, err = m.DecreasePosition(state.DecreasePositionParams{
		Account: trader, Side: event.SideLong, MarginDelta: testutil.U(976), IndexPriceX96: testutil.X96(100),
	})
	require.ErrorIs(t, err, state.ErrInsufficientMargin)

	assert.Equal(t, before, m.Digest())
}

func TestDecreasePosition_PartialKeepsEntryPrice(t *testing.T) {
	m := testutil.NewTestMarket(t)
	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	trader := uuid.New()
	openPosition(t, m, trader, 1000, 500)

	res, err := m.DecreasePosition(state.DecreasePositionParams{
		Account:       trader,
		Side:          event.SideLong,
		MarginDelta:   testutil.U(100),
		SizeDelta:     testutil.U(200),
		IndexPriceX96: testutil.X96(100),
		Receiver:      trader,
	})
	require.NoError(t, err)
	assert.False(t, res.Closed)
	assert.Equal(t, "100", res.MarginDeltaPaid.String())

	pos := m.Positions[longKey(trader)]
	require.NotNil(t, pos)
	assert.Equal(t, "300", pos.Size.String())
	assert.True(t, pos.EntryPriceX96.EQ(testutil.X96(100)))
	assert.Equal(t, res.MarginAfter, pos.Margin)
	assert.Equal(t, "300", m.GlobalPosition.LongSize.String())
}

// A position worth 10_000 has maintenance 40 + 10 = 50.
func TestPosition_UnderwaterMarginLiquidatesButCannotIncrease(t *testing.T) {
	m := testutil.NewTestMarket(t)
	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	trader := uuid.New()
	openPosition(t, m, trader, 1000, 100)
	m.Positions[longKey(trader)].Margin = testutil.U(10)
	before := m.Digest()

	_, err := m.IncreasePosition(state.IncreasePositionParams{
		Account:       trader,
		Side:          event.SideLong,
		IndexPriceX96: testutil.X96(100),
	})
	require.ErrorIs(t, err, state.ErrRiskRateTooHigh)
	require.ErrorIs(t, err, state.ErrMarginRateTooHigh)
	assert.Equal(t, before, m.Digest())

	candidates, err := m.FindLiquidatable(testutil.X96(100))
	require.NoError(t, err)
	assert.Equal(t, []state.LiquidationCandidate{
		{Kind: state.LiquidationKindPosition, Account: trader, Side: event.SideLong},
	}, candidates)

	res, err := m.LiquidatePosition(state.LiquidatePositionParams{
		Account:       trader,
		Side:          event.SideLong,
		IndexPriceX96: testutil.X96(100),
		FeeReceiver:   uuid.New(),
	})
	require.NoError(t, err)

	assert.Empty(t, m.Positions)
	assert.True(t, m.GlobalPosition.LongSize.IsZero())
	assert.True(t, res.TradePriceX96.EQ(testutil.X96(100)))
	assert.True(t, res.LiquidationPriceX96.GT(testutil.X96(100)), "margin cannot cover fees: price beyond entry")
	assert.Equal(t, "40", res.LiquidationFee.String())
	assert.Equal(t, "10", res.ExecutionFee.String())
	assert.Equal(t, res.LiquidationFundDelta, m.GlobalLiquidationFund.LiquidationFund)
}

// A long of size 100 at 100 with 995 margin is charged 2000 of funding. At
// that charge its liquidation price would sit above entry, so funding falls
// back to the last adjusted growth and the unpaid part goes to the shorts,
// or to the liquidation fund when there are none.
func TestLiquidatePosition_FundingShortfall(t *testing.T) {
	cases := []struct {
		name         string
		shortSize    uint64
		prevGrowth   uint64 // owed per unit as of the last adjustment
		wantAdjusted string
		wantFundLoss int64
		wantShortsX  uint64 // growth taken from the short side, in Q96 units
	}{
		{"spread over shorts", 400, 0, "0", 0, 5},
		{"no shorts: fund pays", 0, 0, "0", -2000, 0},
		{"previous growth charged", 0, 5, "-500", -1500, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := testutil.NewTestMarket(t)
			testutil.AddLiquidity(t, m, 100_000, 10_000_000)
			trader := uuid.New()
			openPosition(t, m, trader, 1000, 100)
			if tc.shortSize > 0 {
				_, err := m.IncreasePosition(state.IncreasePositionParams{
					Account:       uuid.New(),
					Side:          event.SideShort,
					MarginDelta:   testutil.U(5000),
					SizeDelta:     testutil.U(tc.shortSize),
					IndexPriceX96: testutil.X96(100),
				})
				require.NoError(t, err)
			}
			m.GlobalPosition.LongFundingRateGrowthX96 = testutil.X96(20).Neg()
			m.PreviousGlobalFundingRate.LongFundingRateGrowthX96 = testutil.X96(tc.prevGrowth).Neg()
			shortGrowthBefore := m.GlobalPosition.ShortFundingRateGrowthX96

			res, err := m.LiquidatePosition(state.LiquidatePositionParams{
				Account:       trader,
				Side:          event.SideLong,
				IndexPriceX96: testutil.X96(100),
				FeeReceiver:   uuid.New(),
			})
			require.NoError(t, err)

			assert.Equal(t, tc.wantAdjusted, res.AdjustedFundingFee.String())
			assert.True(t, res.LiquidationPriceX96.LT(testutil.X96(100)), "liquidation price below entry")

			shortsPaid, err := shortGrowthBefore.Sub(m.GlobalPosition.ShortFundingRateGrowthX96)
			require.NoError(t, err)
			assert.Equal(t, testutil.X96(tc.wantShortsX).String(), shortsPaid.String())

			slippage, err := fpmath.CalculateUnrealizedPnL(true, res.Size, res.LiquidationPriceX96, res.TradePriceX96)
			require.NoError(t, err)
			want, err := res.LiquidationFee.ToInt().Add(fpmath.NewInt(tc.wantFundLoss))
			require.NoError(t, err)
			want, err = want.Add(slippage)
			require.NoError(t, err)
			assert.Equal(t, want.String(), res.LiquidationFundDelta.String())
			assert.Equal(t, res.LiquidationFundDelta, m.GlobalLiquidationFund.LiquidationFund)
		})
	}
}

func TestLiquidatePosition_HealthyIsRejected(t *testing.T) {
	m := testutil.NewTestMarket(t)
	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	trader := uuid.New()
	openPosition(t, m, trader, 1000, 100)
	before := m.Digest()

	_, err := m.LiquidatePosition(state.LiquidatePositionParams{
		Account:       trader,
		Side:          event.SideLong,
		IndexPriceX96: testutil.X96(100),
	})
	require.ErrorIs(t, err, state.ErrRiskRateTooLow)
	assert.Equal(t, before, m.Digest())
}

func TestMarketSnapshot_RoundTrip(t *testing.T) {
	m := testutil.NewTestMarket(t)
	testutil.AddLiquidity(t, m, 100_000, 10_000_000)
	token := uint64(3)
	_, err := m.IncreasePosition(state.IncreasePositionParams{
		Account:       uuid.New(),
		Side:          event.SideShort,
		MarginDelta:   testutil.U(5000),
		SizeDelta:     testutil.U(1500),
		IndexPriceX96: testutil.X96(100),
		ReferralToken: &token,
	})
	require.NoError(t, err)
	openPosition(t, m, uuid.New(), 1000, 200)

	raw, err := json.Marshal(m.Snapshot())
	require.NoError(t, err)
	var snap state.MarketSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := state.RestoreMarket(&snap)
	assert.Equal(t, m.Digest(), restored.Digest())
}
