package state

import (
	fpmath "PerpAMM/internal/math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type IncreaseLiquidityPositionParams struct {
	Account        uuid.UUID
	MarginDelta    fpmath.Uint
	LiquidityDelta fpmath.Uint
	IndexPriceX96  fpmath.Uint
}

type DecreaseLiquidityPositionParams struct {
	Account        uuid.UUID
	MarginDelta    fpmath.Uint
	LiquidityDelta fpmath.Uint
	IndexPriceX96  fpmath.Uint
	Receiver       uuid.UUID
}

type DecreaseLiquidityPositionResult struct {
	MarginAfter     fpmath.Uint
	MarginDeltaPaid fpmath.Uint
	RealizedPnL     fpmath.Int
}

type LiquidateLiquidityPositionParams struct {
	Account       uuid.UUID
	IndexPriceX96 fpmath.Uint
	FeeReceiver   uuid.UUID
}

type LiquidateLiquidityPositionResult struct {
	LiquidationExecutionFee fpmath.Uint
	RealizedPnL             fpmath.Int
	// Positive: surplus banked in the liquidation fund. Negative: deficit.
	MarginRemaining fpmath.Int
	// What the fund actually booked. Zero when the deficit was socialized.
	LiquidationFundDelta fpmath.Int
}

// CalculateRealizedPnL settles an LP's share of the growth accumulated since
// its last settlement, rounded against the LP.
func CalculateRealizedPnL(global *GlobalLiquidityPosition, lp *LiquidityPosition) (fpmath.Int, error) {
	delta, err := global.UnrealizedPnLGrowthX64.Sub(lp.EntryUnrealizedPnLGrowthX64)
	if err != nil {
		return fpmath.Int{}, err
	}
	return fpmath.MulDivFloor(delta, lp.Liquidity, fpmath.Q64)
}

// IncreaseLiquidityPosition opens or tops up an LP stake.
func (m *Market) IncreaseLiquidityPosition(p IncreaseLiquidityPositionParams) (marginAfter fpmath.Uint, err error) {
	cp := m.checkpoint()
	cp.saveLiquidityPosition(m, p.Account)
	defer func() {
		if err != nil {
			m.restore(cp)
		}
	}()

	base := &m.Config.Base
	lp, exists := m.LiquidityPositions[p.Account]
	realized := fpmath.Int{}
	if !exists {
		if p.LiquidityDelta.IsZero() {
			return fpmath.Zero(), errors.Wrapf(ErrLiquidityPositionNotFound, "account %s", p.Account)
		}
		lp = &LiquidityPosition{}
	} else if realized, err = CalculateRealizedPnL(&m.GlobalLiquidityPosition, lp); err != nil {
		return fpmath.Zero(), err
	}

	marginInt, err := lp.Margin.ToInt().AddUint(p.MarginDelta)
	if err != nil {
		return fpmath.Zero(), err
	}
	if marginInt, err = marginInt.Add(realized); err != nil {
		return fpmath.Zero(), err
	}
	if !marginInt.IsPositive() {
		return fpmath.Zero(), errors.Wrapf(ErrInsufficientMargin, "margin after %s", marginInt)
	}
	marginAfter = marginInt.Abs()
	if !exists && marginAfter.LT(base.MinMarginPerLiquidityPosition) {
		return fpmath.Zero(), errors.Wrapf(ErrInsufficientMargin, "margin %s below minimum %s",
			marginAfter, base.MinMarginPerLiquidityPosition)
	}

	liquidityAfter, err := lp.Liquidity.Add(p.LiquidityDelta)
	if err != nil {
		return fpmath.Zero(), err
	}
	if !p.LiquidityDelta.IsZero() {
		if err := m.increaseGlobalLiquidity(p.LiquidityDelta); err != nil {
			return fpmath.Zero(), err
		}
	}

	if err := validateLeverage(marginAfter, liquidityAfter, base.MaxLeveragePerLiquidityPosition); err != nil {
		return fpmath.Zero(), err
	}
	if err := ValidateLiquidityPositionRiskRate(base, marginInt, liquidityAfter, false); err != nil {
		return fpmath.Zero(), err
	}

	lp.Margin = marginAfter
	lp.Liquidity = liquidityAfter
	lp.EntryUnrealizedPnLGrowthX64 = m.GlobalLiquidityPosition.UnrealizedPnLGrowthX64
	m.LiquidityPositions[p.Account] = lp

	if m.USDBalance, err = m.USDBalance.Add(p.MarginDelta); err != nil {
		return fpmath.Zero(), err
	}
	if !p.LiquidityDelta.IsZero() {
		if err := m.refreshDerived(p.IndexPriceX96); err != nil {
			return fpmath.Zero(), err
		}
	}
	return marginAfter, nil
}

// DecreaseLiquidityPosition withdraws margin and/or liquidity. Removing all
// liquidity closes the stake and pays out every remaining unit of margin.
func (m *Market) DecreaseLiquidityPosition(p DecreaseLiquidityPositionParams) (res DecreaseLiquidityPositionResult, err error) {
	cp := m.checkpoint()
	cp.saveLiquidityPosition(m, p.Account)
	defer func() {
		if err != nil {
			m.restore(cp)
		}
	}()

	base := &m.Config.Base
	lp, exists := m.LiquidityPositions[p.Account]
	if !exists {
		return res, errors.Wrapf(ErrLiquidityPositionNotFound, "account %s", p.Account)
	}
	if lp.Liquidity.LT(p.LiquidityDelta) {
		return res, errors.Wrapf(ErrInsufficientLiquidityToDecrease, "liquidity %s < delta %s", lp.Liquidity, p.LiquidityDelta)
	}

	if res.RealizedPnL, err = CalculateRealizedPnL(&m.GlobalLiquidityPosition, lp); err != nil {
		return res, err
	}
	marginInt, err := lp.Margin.ToInt().Add(res.RealizedPnL)
	if err != nil {
		return res, err
	}

	liquidityAfter, _ := lp.Liquidity.Sub(p.LiquidityDelta)
	if !p.LiquidityDelta.IsZero() {
		if err := m.decreaseGlobalLiquidity(p.LiquidityDelta); err != nil {
			return res, err
		}
	}

	if liquidityAfter.IsZero() {
		if marginInt.IsNegative() {
			return res, errors.Wrapf(ErrInsufficientMargin, "margin after %s", marginInt)
		}
		res.MarginDeltaPaid = marginInt.Abs()
		delete(m.LiquidityPositions, p.Account)
	} else {
		if marginInt, err = marginInt.SubUint(p.MarginDelta); err != nil {
			return res, err
		}
		if marginInt.IsNegative() {
			return res, errors.Wrapf(ErrInsufficientMargin, "margin after %s", marginInt)
		}
		res.MarginAfter = marginInt.Abs()
		res.MarginDeltaPaid = p.MarginDelta

		if err := validateLeverage(res.MarginAfter, liquidityAfter, base.MaxLeveragePerLiquidityPosition); err != nil {
			return res, err
		}
		if err := ValidateLiquidityPositionRiskRate(base, marginInt, liquidityAfter, false); err != nil {
			return res, err
		}
		lp.Margin = res.MarginAfter
		lp.Liquidity = liquidityAfter
		lp.EntryUnrealizedPnLGrowthX64 = m.GlobalLiquidityPosition.UnrealizedPnLGrowthX64
	}

	if m.USDBalance, err = m.USDBalance.Sub(res.MarginDeltaPaid); err != nil {
		return res, err
	}
	if !p.LiquidityDelta.IsZero() {
		if err := m.refreshDerived(p.IndexPriceX96); err != nil {
			return res, err
		}
	}
	return res, nil
}

// LiquidateLiquidityPosition force-closes an LP stake at or below its
// maintenance margin. A remaining deficit is socialized over the other LPs;
// a surplus goes to the liquidation fund.
func (m *Market) LiquidateLiquidityPosition(p LiquidateLiquidityPositionParams) (res LiquidateLiquidityPositionResult, err error) {
	cp := m.checkpoint()
	cp.saveLiquidityPosition(m, p.Account)
	defer func() {
		if err != nil {
			m.restore(cp)
		}
	}()

	base := &m.Config.Base
	lp, exists := m.LiquidityPositions[p.Account]
	if !exists {
		return res, errors.Wrapf(ErrLiquidityPositionNotFound, "account %s", p.Account)
	}

	if res.RealizedPnL, err = CalculateRealizedPnL(&m.GlobalLiquidityPosition, lp); err != nil {
		return res, err
	}
	marginInt, err := lp.Margin.ToInt().Add(res.RealizedPnL)
	if err != nil {
		return res, err
	}
	if err := ValidateLiquidityPositionRiskRate(base, marginInt, lp.Liquidity, true); err != nil {
		return res, err
	}

	if err := m.decreaseGlobalLiquidity(lp.Liquidity); err != nil {
		return res, err
	}
	if res.MarginRemaining, err = marginInt.SubUint(base.LiquidationExecutionFee); err != nil {
		return res, err
	}
	if res.MarginRemaining.IsNegative() {
		if res.LiquidationFundDelta, err = m.absorbLiquidityDeficit(res.MarginRemaining.Abs()); err != nil {
			return res, err
		}
	} else {
		if err := m.bookLiquidationFund(res.MarginRemaining); err != nil {
			return res, err
		}
		res.LiquidationFundDelta = res.MarginRemaining
	}

	delete(m.LiquidityPositions, p.Account)
	res.LiquidationExecutionFee = base.LiquidationExecutionFee
	if m.USDBalance, err = m.USDBalance.Sub(base.LiquidationExecutionFee); err != nil {
		return res, err
	}
	if err := m.refreshDerived(p.IndexPriceX96); err != nil {
		return res, err
	}
	return res, nil
}
