package state

import (
	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type IncreasePositionParams struct {
	Account       uuid.UUID
	Side          event.Side
	MarginDelta   fpmath.Uint
	SizeDelta     fpmath.Uint
	IndexPriceX96 fpmath.Uint
	// Worst trade price the trader accepts; nil means any.
	AcceptableTradePriceX96 *fpmath.Uint
	ReferralToken           *uint64
	ReferralParentToken     *uint64
}

type IncreasePositionResult struct {
	TradePriceX96 fpmath.Uint
	EntryPriceX96 fpmath.Uint
	MarginAfter   fpmath.Uint
	FundingFee    fpmath.Int
	Fees          FeeDistribution
}

type DecreasePositionParams struct {
	Account                 uuid.UUID
	Side                    event.Side
	MarginDelta             fpmath.Uint
	SizeDelta               fpmath.Uint
	IndexPriceX96           fpmath.Uint
	AcceptableTradePriceX96 *fpmath.Uint
	Receiver                uuid.UUID
	ReferralToken           *uint64
	ReferralParentToken     *uint64
}

type DecreasePositionResult struct {
	TradePriceX96   fpmath.Uint
	MarginAfter     fpmath.Uint
	MarginDeltaPaid fpmath.Uint
	RealizedPnL     fpmath.Int
	FundingFee      fpmath.Int
	Fees            FeeDistribution
	Closed          bool
}

type LiquidatePositionParams struct {
	Account       uuid.UUID
	Side          event.Side
	IndexPriceX96 fpmath.Uint
	FeeReceiver   uuid.UUID
}

type LiquidatePositionResult struct {
	TradePriceX96       fpmath.Uint
	LiquidationPriceX96 fpmath.Uint
	// Funding actually charged; differs from the accrued amount when the
	// position could not cover it.
	AdjustedFundingFee   fpmath.Int
	LiquidationFee       fpmath.Uint
	LiquidationFundDelta fpmath.Int
	ExecutionFee         fpmath.Uint
	Size                 fpmath.Uint
	Margin               fpmath.Uint
	Fees                 FeeDistribution
}

func validateSide(side event.Side) error {
	if !side.Valid() {
		return errors.Wrapf(ErrInvalidOperation, "invalid side %d", side)
	}
	return nil
}

// validateAcceptablePrice rejects fills worse than the trader's bound. A
// fill on the long side is worse when higher.
func validateAcceptablePrice(tradeSide event.Side, tradePriceX96 fpmath.Uint, acceptable *fpmath.Uint) error {
	if acceptable == nil {
		return nil
	}
	if (tradeSide.IsLong() && tradePriceX96.GT(*acceptable)) ||
		(!tradeSide.IsLong() && tradePriceX96.LT(*acceptable)) {
		return errors.Wrapf(ErrInvalidOperation, "trade price %s beyond acceptable %s", tradePriceX96, *acceptable)
	}
	return nil
}

func (m *Market) positionFundingFee(side event.Side, pos *Position) (fpmath.Int, error) {
	return fpmath.CalculateFundingFee(m.GlobalPosition.fundingGrowthOf(side), pos.EntryFundingRateGrowthX96, pos.Size)
}

// IncreasePosition opens a position, adds size to it, or tops up its margin.
func (m *Market) IncreasePosition(p IncreasePositionParams) (res IncreasePositionResult, err error) {
	if err := validateSide(p.Side); err != nil {
		return res, err
	}
	key := PositionKey{Account: p.Account, Side: p.Side}
	cp := m.checkpoint()
	cp.savePosition(m, key)
	defer func() {
		if err != nil {
			m.restore(cp)
		}
	}()

	base := &m.Config.Base
	g := &m.GlobalPosition
	pos, exists := m.Positions[key]
	if !exists {
		if p.SizeDelta.IsZero() {
			return res, errors.Wrapf(ErrPositionNotFound, "account %s side %s", p.Account, p.Side)
		}
		pos = &Position{}
	}
	if m.GlobalLiquidityPosition.Liquidity.IsZero() {
		return res, errors.Wrap(ErrInsufficientGlobalLiquidity, "no liquidity")
	}

	feeState := m.buildTradingFeeState(p.ReferralToken, p.ReferralParentToken)
	sizeAfter, err := pos.Size.Add(p.SizeDelta)
	if err != nil {
		return res, err
	}
	if !p.SizeDelta.IsZero() {
		if sizeAfter.GT(g.MaxSizePerPosition) {
			return res, errors.Wrapf(ErrSizeExceedsMaxSizePerPosition, "size %s > %s", sizeAfter, g.MaxSizePerPosition)
		}
		sideAfter, err := g.sizeOf(p.Side).Add(p.SizeDelta)
		if err != nil {
			return res, err
		}
		if sideAfter.GT(g.MaxSize) {
			return res, errors.Wrapf(ErrSizeExceedsMaxSize, "%s open interest %s > %s", p.Side, sideAfter, g.MaxSize)
		}

		tr, err := m.trade(p.Side, p.SizeDelta, p.IndexPriceX96, false)
		if err != nil {
			return res, err
		}
		res.TradePriceX96 = tr.TradePriceX96
		if err := validateAcceptablePrice(p.Side, res.TradePriceX96, p.AcceptableTradePriceX96); err != nil {
			return res, err
		}
		if res.Fees, err = m.distributeFee(p.SizeDelta, res.TradePriceX96, feeState); err != nil {
			return res, err
		}
	}
	if exists {
		if res.FundingFee, err = m.positionFundingFee(p.Side, pos); err != nil {
			return res, err
		}
	}

	margin, err := pos.Margin.ToInt().AddUint(p.MarginDelta)
	if err != nil {
		return res, err
	}
	if margin, err = margin.Add(res.FundingFee); err != nil {
		return res, err
	}
	if margin, err = margin.SubUint(res.Fees.TradingFee); err != nil {
		return res, err
	}
	if !margin.IsPositive() {
		return res, errors.Wrapf(ErrInsufficientMargin, "margin after %s", margin)
	}
	res.MarginAfter = margin.Abs()
	if !exists && res.MarginAfter.LT(base.MinMarginPerPosition) {
		return res, errors.Wrapf(ErrInsufficientMargin, "margin %s below minimum %s", res.MarginAfter, base.MinMarginPerPosition)
	}

	res.EntryPriceX96 = pos.EntryPriceX96
	if !p.SizeDelta.IsZero() {
		mode := fpmath.RoundDown
		if p.Side.IsLong() {
			mode = fpmath.RoundUp
		}
		res.EntryPriceX96, err = fpmath.ComputeAvgEntryPrice(pos.Size, pos.EntryPriceX96, p.SizeDelta, res.TradePriceX96, mode)
		if err != nil {
			return res, err
		}
	}

	decreasePriceX96, err := m.decreasePrice(p.Side, p.IndexPriceX96)
	if err != nil {
		return res, err
	}
	if err := ValidatePositionMaintainMarginRate(base, MaintainMarginRateParameter{
		Margin:           margin,
		Side:             p.Side,
		Size:             sizeAfter,
		EntryPriceX96:    res.EntryPriceX96,
		DecreasePriceX96: decreasePriceX96,
		TradingFeeRate:   feeState.TradingFeeRate,
	}); err != nil {
		return res, err
	}
	value, err := fpmath.CalculateValue(sizeAfter, res.EntryPriceX96, fpmath.RoundUp)
	if err != nil {
		return res, err
	}
	if err := validateLeverage(res.MarginAfter, value, base.MaxLeveragePerPosition); err != nil {
		return res, err
	}

	if !p.SizeDelta.IsZero() {
		if err := m.increaseGlobalPosition(p.Side, p.SizeDelta); err != nil {
			return res, err
		}
	}
	pos.Margin = res.MarginAfter
	pos.Size = sizeAfter
	pos.EntryPriceX96 = res.EntryPriceX96
	pos.EntryFundingRateGrowthX96 = g.fundingGrowthOf(p.Side)
	m.Positions[key] = pos

	if m.USDBalance, err = m.USDBalance.Add(p.MarginDelta); err != nil {
		return res, err
	}
	return res, nil
}

// DecreasePosition reduces size and/or withdraws margin. Reducing size to
// zero closes the position and pays out everything left.
func (m *Market) DecreasePosition(p DecreasePositionParams) (res DecreasePositionResult, err error) {
	if err := validateSide(p.Side); err != nil {
		return res, err
	}
	key := PositionKey{Account: p.Account, Side: p.Side}
	cp := m.checkpoint()
	cp.savePosition(m, key)
	defer func() {
		if err != nil {
			m.restore(cp)
		}
	}()

	base := &m.Config.Base
	pos, exists := m.Positions[key]
	if !exists {
		return res, errors.Wrapf(ErrPositionNotFound, "account %s side %s", p.Account, p.Side)
	}
	if pos.Size.LT(p.SizeDelta) {
		return res, errors.Wrapf(ErrInsufficientSizeToDecrease, "size %s < delta %s", pos.Size, p.SizeDelta)
	}

	feeState := m.buildTradingFeeState(p.ReferralToken, p.ReferralParentToken)
	if res.FundingFee, err = m.positionFundingFee(p.Side, pos); err != nil {
		return res, err
	}
	sizeAfter, _ := pos.Size.Sub(p.SizeDelta)

	if !p.SizeDelta.IsZero() {
		tradeSide := p.Side.Flip()
		tr, err := m.trade(tradeSide, p.SizeDelta, p.IndexPriceX96, false)
		if err != nil {
			return res, err
		}
		res.TradePriceX96 = tr.TradePriceX96
		if err := validateAcceptablePrice(tradeSide, res.TradePriceX96, p.AcceptableTradePriceX96); err != nil {
			return res, err
		}
		if res.Fees, err = m.distributeFee(p.SizeDelta, res.TradePriceX96, feeState); err != nil {
			return res, err
		}
		res.RealizedPnL, err = fpmath.CalculateUnrealizedPnL(p.Side.IsLong(), p.SizeDelta, pos.EntryPriceX96, res.TradePriceX96)
		if err != nil {
			return res, err
		}
		if err := m.decreaseGlobalPosition(p.Side, p.SizeDelta); err != nil {
			return res, err
		}
	}

	margin, err := pos.Margin.ToInt().Add(res.RealizedPnL)
	if err != nil {
		return res, err
	}
	if margin, err = margin.Add(res.FundingFee); err != nil {
		return res, err
	}
	if margin, err = margin.SubUint(res.Fees.TradingFee); err != nil {
		return res, err
	}
	if margin.IsNegative() {
		return res, errors.Wrapf(ErrInsufficientMargin, "margin after %s", margin)
	}

	if sizeAfter.IsZero() {
		res.MarginDeltaPaid = margin.Abs()
		res.Closed = true
		delete(m.Positions, key)
	} else {
		if margin, err = margin.SubUint(p.MarginDelta); err != nil {
			return res, err
		}
		if margin.IsNegative() {
			return res, errors.Wrapf(ErrInsufficientMargin, "margin after %s", margin)
		}
		res.MarginAfter = margin.Abs()
		res.MarginDeltaPaid = p.MarginDelta

		decreasePriceX96, err := m.decreasePrice(p.Side, p.IndexPriceX96)
		if err != nil {
			return res, err
		}
		if err := ValidatePositionMaintainMarginRate(base, MaintainMarginRateParameter{
			Margin:           margin,
			Side:             p.Side,
			Size:             sizeAfter,
			EntryPriceX96:    pos.EntryPriceX96,
			DecreasePriceX96: decreasePriceX96,
			TradingFeeRate:   feeState.TradingFeeRate,
		}); err != nil {
			return res, err
		}
		value, err := fpmath.CalculateValue(sizeAfter, pos.EntryPriceX96, fpmath.RoundUp)
		if err != nil {
			return res, err
		}
		if err := validateLeverage(res.MarginAfter, value, base.MaxLeveragePerPosition); err != nil {
			return res, err
		}
		pos.Margin = res.MarginAfter
		pos.Size = sizeAfter
		pos.EntryFundingRateGrowthX96 = m.GlobalPosition.fundingGrowthOf(p.Side)
	}

	if m.USDBalance, err = m.USDBalance.Sub(res.MarginDeltaPaid); err != nil {
		return res, err
	}
	return res, nil
}

// LiquidatePosition force-closes a position whose margin no longer covers
// maintenance. The position is settled at its liquidation price; the
// liquidation fund takes the difference to the price the curve gave.
func (m *Market) LiquidatePosition(p LiquidatePositionParams) (res LiquidatePositionResult, err error) {
	if err := validateSide(p.Side); err != nil {
		return res, err
	}
	key := PositionKey{Account: p.Account, Side: p.Side}
	cp := m.checkpoint()
	cp.savePosition(m, key)
	defer func() {
		if err != nil {
			m.restore(cp)
		}
	}()

	base := &m.Config.Base
	pos, exists := m.Positions[key]
	if !exists {
		return res, errors.Wrapf(ErrPositionNotFound, "account %s side %s", p.Account, p.Side)
	}
	res.Size = pos.Size
	res.Margin = pos.Margin

	requiredFundingFee, err := m.positionFundingFee(p.Side, pos)
	if err != nil {
		return res, err
	}
	if err := m.validatePositionLiquidatable(p.Side, pos, requiredFundingFee, p.IndexPriceX96); err != nil {
		return res, err
	}

	res.LiquidationPriceX96, res.AdjustedFundingFee, err = m.liquidationPrice(p.Side, pos, requiredFundingFee)
	if err != nil {
		return res, err
	}
	fundLoss, err := m.adjustFundingRateByLiquidation(p.Side, requiredFundingFee, res.AdjustedFundingFee)
	if err != nil {
		return res, err
	}

	tr, err := m.trade(p.Side.Flip(), pos.Size, p.IndexPriceX96, true)
	if err != nil {
		return res, err
	}
	res.TradePriceX96 = tr.TradePriceX96
	if res.Fees, err = m.distributeFee(pos.Size, res.LiquidationPriceX96, m.buildTradingFeeState(nil, nil)); err != nil {
		return res, err
	}

	if res.LiquidationFee, err = fpmath.CalculateFee(pos.Size, pos.EntryPriceX96, base.LiquidationFeeRatePerPosition); err != nil {
		return res, err
	}
	slippage, err := fpmath.CalculateUnrealizedPnL(p.Side.IsLong(), pos.Size, res.LiquidationPriceX96, res.TradePriceX96)
	if err != nil {
		return res, err
	}
	if res.LiquidationFundDelta, err = res.LiquidationFee.ToInt().Add(fundLoss); err != nil {
		return res, err
	}
	if res.LiquidationFundDelta, err = res.LiquidationFundDelta.Add(slippage); err != nil {
		return res, err
	}
	if err := m.bookLiquidationFund(res.LiquidationFundDelta); err != nil {
		return res, err
	}

	if err := m.decreaseGlobalPosition(p.Side, pos.Size); err != nil {
		return res, err
	}
	delete(m.Positions, key)

	res.ExecutionFee = base.LiquidationExecutionFee
	if m.USDBalance, err = m.USDBalance.Sub(res.ExecutionFee); err != nil {
		return res, err
	}
	return res, nil
}

// validatePositionLiquidatable succeeds only when the position, with its
// accrued funding, is at or below maintenance at the current close price.
func (m *Market) validatePositionLiquidatable(side event.Side, pos *Position, fundingFee fpmath.Int, indexPriceX96 fpmath.Uint) error {
	margin, err := pos.Margin.ToInt().Add(fundingFee)
	if err != nil {
		return err
	}
	decreasePriceX96, err := m.decreasePrice(side, indexPriceX96)
	if err != nil {
		return err
	}
	return ValidatePositionMaintainMarginRate(&m.Config.Base, MaintainMarginRateParameter{
		Margin:           margin,
		Side:             side,
		Size:             pos.Size,
		EntryPriceX96:    pos.EntryPriceX96,
		DecreasePriceX96: decreasePriceX96,
		TradingFeeRate:   m.Config.Fee.TradingFeeRate,
		Liquidatable:     true,
	})
}

// liquidationPrice returns the price at which the position's margin is
// exactly used up by its loss plus the trading and liquidation fees. When the
// accrued funding leaves no such price on the losing side of entry, funding
// is recharged as of the last adjustment instead.
func (m *Market) liquidationPrice(side event.Side, pos *Position, requiredFundingFee fpmath.Int) (fpmath.Uint, fpmath.Int, error) {
	price, err := m.liquidationPriceWithFunding(side, pos, requiredFundingFee)
	if err != nil {
		return fpmath.Zero(), fpmath.Int{}, err
	}
	if liquidationPriceAcceptable(side, price, pos.EntryPriceX96) {
		return price, requiredFundingFee, nil
	}

	adjusted, err := fpmath.CalculateFundingFee(m.PreviousGlobalFundingRate.fundingGrowthOf(side), pos.EntryFundingRateGrowthX96, pos.Size)
	if err != nil {
		return fpmath.Zero(), fpmath.Int{}, err
	}
	if price, err = m.liquidationPriceWithFunding(side, pos, adjusted); err != nil {
		return fpmath.Zero(), fpmath.Int{}, err
	}
	return price, adjusted, nil
}

func liquidationPriceAcceptable(side event.Side, priceX96, entryPriceX96 fpmath.Uint) bool {
	if side.IsLong() {
		return priceX96.LT(entryPriceX96)
	}
	return priceX96.GT(entryPriceX96)
}

// liquidationPriceWithFunding solves, with m = margin + funding - executionFee,
//
//	long:  P = (E·S·(BP+lf) - m·BP·Q96) / (S·(BP-tf))   floored, at least 0
//	short: P = (E·S·(BP-lf) + m·BP·Q96) / (S·(BP+tf))   ceiled
func (m *Market) liquidationPriceWithFunding(side event.Side, pos *Position, fundingFee fpmath.Int) (fpmath.Uint, error) {
	base := &m.Config.Base
	lf := uint64(base.LiquidationFeeRatePerPosition)
	tf := uint64(m.Config.Fee.TradingFeeRate)
	bp := uint64(fpmath.BasisPointsDivisor)

	margin, err := pos.Margin.ToInt().Add(fundingFee)
	if err != nil {
		return fpmath.Zero(), err
	}
	if margin, err = margin.SubUint(base.LiquidationExecutionFee); err != nil {
		return fpmath.Zero(), err
	}

	entryRate, denomRate := bp+lf, bp-tf
	if !side.IsLong() {
		entryRate, denomRate = bp-lf, bp+tf
	}
	entryTerm, err := mulAll(pos.EntryPriceX96, pos.Size, fpmath.NewUint(entryRate))
	if err != nil {
		return fpmath.Zero(), err
	}
	marginMag, err := mulAll(margin.Abs(), fpmath.BasisPoints, fpmath.Q96)
	if err != nil {
		return fpmath.Zero(), err
	}
	marginTerm := marginMag.ToInt()
	if margin.IsNegative() {
		marginTerm = marginMag.Neg()
	}
	if side.IsLong() {
		marginTerm = marginTerm.Neg()
	}

	numerator, err := entryTerm.ToInt().Add(marginTerm)
	if err != nil {
		return fpmath.Zero(), err
	}
	if !numerator.IsPositive() {
		return fpmath.Zero(), nil
	}
	denominator, err := pos.Size.Mul(fpmath.NewUint(denomRate))
	if err != nil {
		return fpmath.Zero(), err
	}
	if side.IsLong() {
		return numerator.Abs().Div(denominator)
	}
	return fpmath.CeilDiv(numerator.Abs(), denominator)
}

func mulAll(vals ...fpmath.Uint) (fpmath.Uint, error) {
	acc := fpmath.NewUint(1)
	for _, v := range vals {
		var err error
		if acc, err = acc.Mul(v); err != nil {
			return fpmath.Zero(), err
		}
	}
	return acc, nil
}
