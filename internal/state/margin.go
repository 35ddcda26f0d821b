package state

import (
	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"

	"github.com/pkg/errors"
)

// validateRiskRate is the rule shared by LP and trader positions. Routine
// operations must leave margin strictly above maintenance; liquidations are
// only allowed at or below it.
func validateRiskRate(margin fpmath.Int, maintenanceMargin fpmath.Uint, liquidatable bool, tooHigh, tooLow error) error {
	solvent := margin.IsPositive() && margin.CmpUint(maintenanceMargin) > 0
	if !liquidatable && !solvent {
		return errors.Wrapf(tooHigh, "margin %s <= maintenance margin %s", margin, maintenanceMargin)
	}
	if liquidatable && solvent {
		return errors.Wrapf(tooLow, "margin %s > maintenance margin %s", margin, maintenanceMargin)
	}
	return nil
}

// LiquidityPositionMaintenanceMargin is ⌊liquidity·feeRate/BP⌋ + executionFee.
func LiquidityPositionMaintenanceMargin(base *MarketBaseConfig, liquidity fpmath.Uint) (fpmath.Uint, error) {
	fee, err := fpmath.ApplyBasisPoints(liquidity, base.LiquidationFeeRatePerLiquidityPosition, fpmath.RoundDown)
	if err != nil {
		return fpmath.Zero(), err
	}
	return fee.Add(base.LiquidationExecutionFee)
}

func ValidateLiquidityPositionRiskRate(base *MarketBaseConfig, margin fpmath.Int, liquidity fpmath.Uint, liquidatable bool) error {
	mm, err := LiquidityPositionMaintenanceMargin(base, liquidity)
	if err != nil {
		return err
	}
	return validateRiskRate(margin, mm, liquidatable, ErrRiskRateTooHigh, ErrRiskRateTooLow)
}

type MaintainMarginRateParameter struct {
	Margin           fpmath.Int
	Side             event.Side
	Size             fpmath.Uint
	EntryPriceX96    fpmath.Uint
	DecreasePriceX96 fpmath.Uint
	TradingFeeRate   uint32
	Liquidatable     bool
}

// PositionMaintenanceMargin is ⌈⌈E·S/Q96⌉·lf/BP⌉ + executionFee.
func PositionMaintenanceMargin(base *MarketBaseConfig, size, entryPriceX96 fpmath.Uint) (fpmath.Uint, error) {
	fee, err := fpmath.CalculateFee(size, entryPriceX96, base.LiquidationFeeRatePerPosition)
	if err != nil {
		return fpmath.Zero(), err
	}
	return fee.Add(base.LiquidationExecutionFee)
}

// ValidatePositionMaintainMarginRate checks a position's margin, marked to
// the decrease price net of the fee to close it, against maintenance.
func ValidatePositionMaintainMarginRate(base *MarketBaseConfig, p MaintainMarginRateParameter) error {
	mm, err := PositionMaintenanceMargin(base, p.Size, p.EntryPriceX96)
	if err != nil {
		return err
	}
	effective, err := positionEffectiveMargin(p)
	if err != nil {
		return err
	}
	return validateRiskRate(effective, mm, p.Liquidatable, ErrMarginRateTooHigh, ErrMarginRateTooLow)
}

func positionEffectiveMargin(p MaintainMarginRateParameter) (fpmath.Int, error) {
	pnl, err := fpmath.CalculateUnrealizedPnL(p.Side.IsLong(), p.Size, p.EntryPriceX96, p.DecreasePriceX96)
	if err != nil {
		return fpmath.Int{}, err
	}
	closeFee, err := fpmath.CalculateFee(p.Size, p.DecreasePriceX96, p.TradingFeeRate)
	if err != nil {
		return fpmath.Int{}, err
	}
	effective, err := p.Margin.Add(pnl)
	if err != nil {
		return fpmath.Int{}, err
	}
	return effective.SubUint(closeFee)
}

// validateLeverage rejects value > margin·maxLeverage.
func validateLeverage(margin fpmath.Uint, value fpmath.Uint, maxLeverage uint32) error {
	limit, err := margin.Mul(fpmath.NewUint(uint64(maxLeverage)))
	if err != nil {
		return err
	}
	if value.GT(limit) {
		return errors.Wrapf(ErrLeverageTooHigh, "value %s exceeds %dx margin %s", value, maxLeverage, margin)
	}
	return nil
}
