package state

import (
	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"

	"github.com/pkg/errors"
)

// Funding is sampled every SampleInterval seconds and settled once per
// AdjustInterval from the average of the samples.
const (
	SampleInterval   int64 = 5
	AdjustInterval   int64 = 3600
	samplesPerAdjust       = AdjustInterval / SampleInterval
)

type FundingAdjustment struct {
	Adjusted       bool
	FundingRateX96 fpmath.Int
	// Growth applied to each side; the paying side's is negative.
	LongGrowthDeltaX96  fpmath.Int
	ShortGrowthDeltaX96 fpmath.Int
	// Paid into LP growth when nobody was on the receiving side.
	LiquidityFunding fpmath.Uint
}

// SampleAndAdjustFundingRate accrues premium samples up to now and, once an
// adjust interval has elapsed, moves the funding growth of both sides. Calls
// with a timestamp earlier than the current interval are ignored.
func (m *Market) SampleAndAdjustFundingRate(now int64, indexPriceX96 fpmath.Uint) (res FundingAdjustment, err error) {
	if indexPriceX96.IsZero() {
		return res, errors.Wrap(ErrInvalidOperation, "zero index price")
	}
	cp := m.checkpoint()
	defer func() {
		if err != nil {
			m.restore(cp)
		}
	}()

	s := &m.GlobalFundingRateSample
	if s.LastAdjustFundingRateTime == 0 {
		s.LastAdjustFundingRateTime = now - now%AdjustInterval
		return res, nil
	}
	if now < s.LastAdjustFundingRateTime {
		return res, nil
	}

	elapsed := now - s.LastAdjustFundingRateTime
	target := min(elapsed/SampleInterval, samplesPerAdjust)
	if missing := target - int64(s.SampleCount); missing > 0 {
		sample, err := fpmath.MulDivFloor(m.signedPremiumRateX96(), fpmath.NewUint(uint64(missing)), fpmath.NewUint(1))
		if err != nil {
			return res, err
		}
		if s.CumulativePremiumRateX96, err = s.CumulativePremiumRateX96.Add(sample); err != nil {
			return res, err
		}
		s.SampleCount = uint16(target)
	}
	if elapsed < AdjustInterval {
		return res, nil
	}

	if res, err = m.adjustFundingRate(indexPriceX96); err != nil {
		return res, err
	}
	s.LastAdjustFundingRateTime = now - now%AdjustInterval
	s.SampleCount = 0
	s.CumulativePremiumRateX96 = fpmath.Int{}
	return res, nil
}

// signedPremiumRateX96 is positive when LPs are short, that is when longs
// pay.
func (m *Market) signedPremiumRateX96() fpmath.Int {
	premium := m.PriceState.PremiumRateX96
	switch m.GlobalLiquidityPosition.Side {
	case event.SideShort:
		return premium.ToInt()
	case event.SideLong:
		return premium.Neg()
	default:
		return fpmath.Int{}
	}
}

// adjustFundingRate computes
//
//	rate  = clamp(avgPremium + interest, ±maxFundingRate)
//	delta = rate·indexPrice/Q96
//
// and charges delta per unit of size to the paying side, spreading the total
// over the receiving side.
func (m *Market) adjustFundingRate(indexPriceX96 fpmath.Uint) (res FundingAdjustment, err error) {
	base := &m.Config.Base
	g := &m.GlobalPosition
	res.Adjusted = true

	avg, err := fpmath.MulDivFloor(m.GlobalFundingRateSample.CumulativePremiumRateX96,
		fpmath.NewUint(1), fpmath.NewUint(uint64(samplesPerAdjust)))
	if err != nil {
		return res, err
	}
	interest, err := fpmath.ApplyBasisPoints(fpmath.Q96, base.InterestRate, fpmath.RoundDown)
	if err != nil {
		return res, err
	}
	limit, err := fpmath.ApplyBasisPoints(fpmath.Q96, base.MaxFundingRate, fpmath.RoundDown)
	if err != nil {
		return res, err
	}
	rate, err := avg.AddUint(interest)
	if err != nil {
		return res, err
	}
	res.FundingRateX96 = fpmath.MaxInt(fpmath.MinInt(rate, limit.ToInt()), limit.Neg())

	m.PreviousGlobalFundingRate = PreviousGlobalFundingRate{
		LongFundingRateGrowthX96:  g.LongFundingRateGrowthX96,
		ShortFundingRateGrowthX96: g.ShortFundingRateGrowthX96,
	}

	delta, err := fpmath.MulDivFloor(res.FundingRateX96, indexPriceX96, fpmath.Q96)
	if err != nil || delta.IsZero() {
		return res, err
	}
	payer := event.SideLong
	if delta.IsNegative() {
		payer = event.SideShort
	}
	receiver := payer.Flip()
	amount := delta.Abs()

	payerGrowth := g.fundingGrowthRef(payer)
	if *payerGrowth, err = payerGrowth.SubUint(amount); err != nil {
		return res, err
	}
	payerDelta := amount.Neg()
	receiverDelta := fpmath.Int{}

	payerSize, receiverSize := g.sizeOf(payer), g.sizeOf(receiver)
	if receiverSize.IsZero() {
		if res.LiquidityFunding, err = fpmath.MulDiv(amount, payerSize, fpmath.Q96); err != nil {
			return res, err
		}
		if err := m.addLiquidityPnL(res.LiquidityFunding.ToInt()); err != nil {
			return res, err
		}
	} else {
		share, err := fpmath.MulDiv(amount, payerSize, receiverSize)
		if err != nil {
			return res, err
		}
		receiverGrowth := g.fundingGrowthRef(receiver)
		if *receiverGrowth, err = receiverGrowth.AddUint(share); err != nil {
			return res, err
		}
		receiverDelta = share.ToInt()
	}

	res.LongGrowthDeltaX96, res.ShortGrowthDeltaX96 = payerDelta, receiverDelta
	if payer == event.SideShort {
		res.LongGrowthDeltaX96, res.ShortGrowthDeltaX96 = receiverDelta, payerDelta
	}
	return res, nil
}
