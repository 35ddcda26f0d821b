package state_test

import (
	"testing"

	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"
	"PerpAMM/internal/state"
	"PerpAMM/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Exactly one of the routine and liquidation checks passes for any margin,
// and the boundary sits where margin net of close fee equals maintenance.
func TestValidatePositionMaintainMarginRate_Partition(t *testing.T) {
	cfg := testutil.NewTestMarketConfig()
	param := func(margin int64, liquidatable bool) state.MaintainMarginRateParameter {
		return state.MaintainMarginRateParameter{
			Margin:           fpmath.NewInt(margin),
			Side:             event.SideLong,
			Size:             testutil.U(100),
			EntryPriceX96:    testutil.X96(100),
			DecreasePriceX96: testutil.X96(100),
			TradingFeeRate:   cfg.Fee.TradingFeeRate,
			Liquidatable:     liquidatable,
		}
	}

	for margin := int64(-20); margin <= 200; margin++ {
		routine := state.ValidatePositionMaintainMarginRate(&cfg.Base, param(margin, false))
		liquidation := state.ValidatePositionMaintainMarginRate(&cfg.Base, param(margin, true))
		require.NotEqual(t, routine == nil, liquidation == nil, "margin %d", margin)

		// mm = 50, close fee = 5
		if margin <= 55 {
			assert.ErrorIs(t, routine, state.ErrMarginRateTooHigh, "margin %d", margin)
		} else {
			assert.ErrorIs(t, liquidation, state.ErrRiskRateTooLow, "margin %d", margin)
		}
	}
}

func TestValidatePositionMaintainMarginRate_PriceMovesRisk(t *testing.T) {
	cfg := testutil.NewTestMarketConfig()
	p := state.MaintainMarginRateParameter{
		Margin:           fpmath.NewInt(200),
		Side:             event.SideLong,
		Size:             testutil.U(100),
		EntryPriceX96:    testutil.X96(100),
		DecreasePriceX96: testutil.X96(100),
		TradingFeeRate:   cfg.Fee.TradingFeeRate,
	}
	require.NoError(t, state.ValidatePositionMaintainMarginRate(&cfg.Base, p))

	// A 2-point drop costs the long 200.
	p.DecreasePriceX96 = testutil.X96(98)
	assert.ErrorIs(t, state.ValidatePositionMaintainMarginRate(&cfg.Base, p), state.ErrRiskRateTooHigh)

	p.Side = event.SideShort
	assert.NoError(t, state.ValidatePositionMaintainMarginRate(&cfg.Base, p))
}

func TestValidateLiquidityPositionRiskRate_Boundary(t *testing.T) {
	cfg := testutil.NewTestMarketConfig()
	liquidity := testutil.U(10_000)

	mm, err := state.LiquidityPositionMaintenanceMargin(&cfg.Base, liquidity)
	require.NoError(t, err)
	assert.Equal(t, "60", mm.String())

	assert.NoError(t, state.ValidateLiquidityPositionRiskRate(&cfg.Base, fpmath.NewInt(60), liquidity, true))
	assert.ErrorIs(t, state.ValidateLiquidityPositionRiskRate(&cfg.Base, fpmath.NewInt(60), liquidity, false), state.ErrRiskRateTooHigh)
	assert.NoError(t, state.ValidateLiquidityPositionRiskRate(&cfg.Base, fpmath.NewInt(61), liquidity, false))
	assert.ErrorIs(t, state.ValidateLiquidityPositionRiskRate(&cfg.Base, fpmath.NewInt(61), liquidity, true), state.ErrRiskRateTooLow)
	assert.ErrorIs(t, state.ValidateLiquidityPositionRiskRate(&cfg.Base, fpmath.NewInt(-1), liquidity, false), state.ErrRiskRateTooHigh)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, state.KindSolvency, state.ErrorKind(state.ErrMarginRateTooLow))
	assert.Equal(t, state.KindCapacity, state.ErrorKind(state.ErrMaxPremiumRateExceeded))
	assert.Equal(t, state.KindArithmetic, state.ErrorKind(fpmath.ErrOverflow))
	assert.Equal(t, state.KindExistence, state.ErrorKind(state.ErrMarketNotFound))
	assert.Equal(t, state.KindPriceBound, state.ErrorKind(state.ErrInvalidOperation))
	assert.Equal(t, "", state.ErrorKind(nil))
}
