package state

import (
	fpmath "PerpAMM/internal/math"
)

// The liquidation fund absorbs what forced closes leave behind: surplus
// margin, liquidation fees, and the gap between the theoretical liquidation
// price and the price the curve actually gave. It may go negative; covering
// a negative fund is left to the operator.

func (m *Market) bookLiquidationFund(delta fpmath.Int) error {
	f := &m.GlobalLiquidationFund
	var err error
	f.LiquidationFund, err = f.LiquidationFund.Add(delta)
	return err
}

// absorbLiquidityDeficit charges a liquidated LP's unpaid deficit to the
// remaining LPs through the growth accumulator, rounding the per-unit loss
// up. With no liquidity left the fund takes it; the returned delta is what
// the fund booked.
func (m *Market) absorbLiquidityDeficit(deficit fpmath.Uint) (fpmath.Int, error) {
	l := &m.GlobalLiquidityPosition
	if l.Liquidity.IsZero() {
		return deficit.Neg(), m.bookLiquidationFund(deficit.Neg())
	}
	perUnit, err := fpmath.MulDivUp(deficit, fpmath.Q64, l.Liquidity)
	if err != nil {
		return fpmath.Int{}, err
	}
	l.UnrealizedPnLGrowthX64, err = l.UnrealizedPnLGrowthX64.SubUint(perUnit)
	return fpmath.Int{}, err
}
