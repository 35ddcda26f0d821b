package state

import (
	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"

	"github.com/pkg/errors"
)

// GlobalLiquidityPosition is the pool-wide LP ledger.
type GlobalLiquidityPosition struct {
	// Net size LPs absorb on the curve, and the part parked in liquidation buffers.
	NetSize                  fpmath.Uint `json:"net_size"`
	LiquidationBufferNetSize fpmath.Uint `json:"liquidation_buffer_net_size"`
	// Price the LP net position was last marked at.
	PreviousSPPriceX96 fpmath.Uint `json:"previous_sp_price_x96"`
	Side               event.Side  `json:"side"`
	Liquidity          fpmath.Uint `json:"liquidity"`
	// Cumulative PnL per unit of liquidity, Q64.
	UnrealizedPnLGrowthX64 fpmath.Int `json:"unrealized_pnl_growth_x64"`
}

// GlobalPosition aggregates trader exposure.
type GlobalPosition struct {
	LongSize           fpmath.Uint `json:"long_size"`
	ShortSize          fpmath.Uint `json:"short_size"`
	MaxSize            fpmath.Uint `json:"max_size"`
	MaxSizePerPosition fpmath.Uint `json:"max_size_per_position"`

	LongFundingRateGrowthX96  fpmath.Int `json:"long_funding_rate_growth_x96"`
	ShortFundingRateGrowthX96 fpmath.Int `json:"short_funding_rate_growth_x96"`
}

type GlobalLiquidationFund struct {
	LiquidationFund fpmath.Int  `json:"liquidation_fund"`
	Liquidity       fpmath.Uint `json:"liquidity"`
}

// PreviousGlobalFundingRate is the funding growth as of the last adjustment,
// used to re-price liquidations whose current funding cannot be covered.
type PreviousGlobalFundingRate struct {
	LongFundingRateGrowthX96  fpmath.Int `json:"long_funding_rate_growth_x96"`
	ShortFundingRateGrowthX96 fpmath.Int `json:"short_funding_rate_growth_x96"`
}

type GlobalFundingRateSample struct {
	LastAdjustFundingRateTime int64      `json:"last_adjust_funding_rate_time"`
	SampleCount               uint16     `json:"sample_count"`
	CumulativePremiumRateX96  fpmath.Int `json:"cumulative_premium_rate_x96"`
}

func (g *GlobalPosition) sizeOf(side event.Side) fpmath.Uint {
	if side.IsLong() {
		return g.LongSize
	}
	return g.ShortSize
}

func (g *GlobalPosition) fundingGrowthOf(side event.Side) fpmath.Int {
	if side.IsLong() {
		return g.LongFundingRateGrowthX96
	}
	return g.ShortFundingRateGrowthX96
}

func (g *GlobalPosition) fundingGrowthRef(side event.Side) *fpmath.Int {
	if side.IsLong() {
		return &g.LongFundingRateGrowthX96
	}
	return &g.ShortFundingRateGrowthX96
}

func (p *PreviousGlobalFundingRate) fundingGrowthOf(side event.Side) fpmath.Int {
	if side.IsLong() {
		return p.LongFundingRateGrowthX96
	}
	return p.ShortFundingRateGrowthX96
}

func (m *Market) increaseGlobalPosition(side event.Side, size fpmath.Uint) error {
	g := &m.GlobalPosition
	var err error
	if side.IsLong() {
		g.LongSize, err = g.LongSize.Add(size)
	} else {
		g.ShortSize, err = g.ShortSize.Add(size)
	}
	return err
}

func (m *Market) decreaseGlobalPosition(side event.Side, size fpmath.Uint) error {
	g := &m.GlobalPosition
	var err error
	if side.IsLong() {
		g.LongSize, err = g.LongSize.Sub(size)
	} else {
		g.ShortSize, err = g.ShortSize.Sub(size)
	}
	return err
}

func (m *Market) increaseGlobalLiquidity(delta fpmath.Uint) error {
	l := &m.GlobalLiquidityPosition
	var err error
	l.Liquidity, err = l.Liquidity.Add(delta)
	return err
}

// decreaseGlobalLiquidity refuses to drain the pool while traders still hold
// open interest.
func (m *Market) decreaseGlobalLiquidity(delta fpmath.Uint) error {
	l := &m.GlobalLiquidityPosition
	after, err := l.Liquidity.Sub(delta)
	if err != nil {
		return err
	}
	g := &m.GlobalPosition
	if after.IsZero() && !g.LongSize.Or(g.ShortSize).IsZero() {
		return errors.Wrapf(ErrLastLiquidityPositionCannotBeClosed,
			"open interest long=%s short=%s", g.LongSize, g.ShortSize)
	}
	l.Liquidity = after
	return nil
}

// changeMaxSize recomputes the open-interest caps from pool liquidity:
//
//	maxSize            = min(liquidity, maxPositionLiquidity)·maxPositionValueRate·Q96 / (BP·indexPrice)
//	maxSizePerPosition = maxSize·maxSizeRatePerPosition / BP
func (m *Market) changeMaxSize(indexPriceX96 fpmath.Uint) error {
	if indexPriceX96.IsZero() {
		return errors.Wrap(ErrDivideByZero, "change max size: zero index price")
	}
	b := &m.Config.Base
	value, err := fpmath.Min(m.GlobalLiquidityPosition.Liquidity, b.MaxPositionLiquidity).
		Mul(fpmath.NewUint(uint64(b.MaxPositionValueRate)))
	if err != nil {
		return err
	}
	denominator, err := fpmath.BasisPoints.Mul(indexPriceX96)
	if err != nil {
		return err
	}
	maxSize, err := fpmath.MulDiv(value, fpmath.Q96, denominator)
	if err != nil {
		return err
	}
	perPosition, err := fpmath.ApplyBasisPoints(maxSize, b.MaxSizeRatePerPosition, fpmath.RoundDown)
	if err != nil {
		return err
	}
	m.GlobalPosition.MaxSize = maxSize
	m.GlobalPosition.MaxSizePerPosition = perPosition
	return nil
}

// adjustFundingRateByLiquidation spreads the funding a liquidated position
// could not pay over the opposite side. With nobody on the other side the
// shortfall is returned as a loss for the liquidation fund.
func (m *Market) adjustFundingRateByLiquidation(side event.Side, requiredFundingFee, adjustedFundingFee fpmath.Int) (fpmath.Int, error) {
	shortfall, err := adjustedFundingFee.Sub(requiredFundingFee)
	if err != nil || shortfall.IsZero() {
		return fpmath.Int{}, err
	}

	opposite := side.Flip()
	oppositeSize := m.GlobalPosition.sizeOf(opposite)
	if oppositeSize.IsZero() {
		return shortfall.Neg(), nil
	}

	growthDelta, err := fpmath.MulDivCeil(shortfall, fpmath.Q96, oppositeSize)
	if err != nil {
		return fpmath.Int{}, err
	}
	growth := m.GlobalPosition.fundingGrowthRef(opposite)
	*growth, err = growth.Sub(growthDelta)
	return fpmath.Int{}, err
}

// settleLiquidityUnrealizedPnL marks the LP net position to priceX96 and
// books the result into the per-liquidity growth accumulator.
func (m *Market) settleLiquidityUnrealizedPnL(priceX96 fpmath.Uint) error {
	l := &m.GlobalLiquidityPosition
	defer func() { l.PreviousSPPriceX96 = priceX96 }()

	net, err := l.NetSize.Add(l.LiquidationBufferNetSize)
	if err != nil {
		return err
	}
	if net.IsZero() || l.Liquidity.IsZero() || l.PreviousSPPriceX96.IsZero() {
		return nil
	}

	pnl, err := fpmath.CalculateUnrealizedPnL(l.Side.IsLong(), net, l.PreviousSPPriceX96, priceX96)
	if err != nil {
		return err
	}
	return m.addLiquidityPnL(pnl)
}

// addLiquidityPnL spreads a value amount over all liquidity, rounding toward
// negative infinity.
func (m *Market) addLiquidityPnL(amount fpmath.Int) error {
	l := &m.GlobalLiquidityPosition
	if amount.IsZero() {
		return nil
	}
	if l.Liquidity.IsZero() {
		return errors.Wrap(ErrInsufficientGlobalLiquidity, "no liquidity to absorb pnl")
	}
	delta, err := fpmath.MulDivFloor(amount, fpmath.Q64, l.Liquidity)
	if err != nil {
		return err
	}
	l.UnrealizedPnLGrowthX64, err = l.UnrealizedPnLGrowthX64.Add(delta)
	return err
}
