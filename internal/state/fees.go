package state

import (
	fpmath "PerpAMM/internal/math"
)

// TradingFeeState is the fee schedule applied to one trade.
type TradingFeeState struct {
	TradingFeeRate              uint32
	ReferralReturnFeeRate       uint32
	ReferralParentReturnFeeRate uint32
	ReferralToken               *uint64
	ReferralParentToken         *uint64
}

// buildTradingFeeState applies the referral discount when the trader was
// referred. Return shares only apply to tokens that are present.
func (m *Market) buildTradingFeeState(referralToken, referralParentToken *uint64) TradingFeeState {
	fee := &m.Config.Fee
	s := TradingFeeState{TradingFeeRate: fee.TradingFeeRate}
	if referralToken == nil {
		return s
	}
	s.TradingFeeRate = uint32(uint64(fee.TradingFeeRate) *
		uint64(fpmath.BasisPointsDivisor-fee.ReferralDiscountRate) / fpmath.BasisPointsDivisor)
	s.ReferralToken = referralToken
	s.ReferralReturnFeeRate = fee.ReferralReturnFeeRate
	if referralParentToken != nil {
		s.ReferralParentToken = referralParentToken
		s.ReferralParentReturnFeeRate = fee.ReferralParentReturnFeeRate
	}
	return s
}

// FeeDistribution is how one trading fee was split.
type FeeDistribution struct {
	TradingFee        fpmath.Uint
	ProtocolFee       fpmath.Uint
	ReferralFee       fpmath.Uint
	ReferralParentFee fpmath.Uint
	LiquidityFee      fpmath.Uint
}

// distributeFee charges ⌈⌈size·price/Q96⌉·rate/BP⌉ and splits it. Protocol
// and referral shares are floored; LPs get the rest through the growth
// accumulator.
func (m *Market) distributeFee(sizeDelta, tradePriceX96 fpmath.Uint, s TradingFeeState) (d FeeDistribution, err error) {
	if d.TradingFee, err = fpmath.CalculateFee(sizeDelta, tradePriceX96, s.TradingFeeRate); err != nil {
		return d, err
	}
	if d.ProtocolFee, err = fpmath.ApplyBasisPoints(d.TradingFee, m.Config.Fee.ProtocolFeeRate, fpmath.RoundDown); err != nil {
		return d, err
	}
	if s.ReferralToken != nil {
		if d.ReferralFee, err = fpmath.ApplyBasisPoints(d.TradingFee, s.ReferralReturnFeeRate, fpmath.RoundDown); err != nil {
			return d, err
		}
	}
	if s.ReferralParentToken != nil {
		if d.ReferralParentFee, err = fpmath.ApplyBasisPoints(d.TradingFee, s.ReferralParentReturnFeeRate, fpmath.RoundDown); err != nil {
			return d, err
		}
	}

	shares, err := fpmath.Sum(d.ProtocolFee, d.ReferralFee, d.ReferralParentFee)
	if err != nil {
		return d, err
	}
	if d.LiquidityFee, err = d.TradingFee.Sub(shares); err != nil {
		return d, err
	}
	if err := m.addLiquidityPnL(d.LiquidityFee.ToInt()); err != nil {
		return d, err
	}

	if m.ProtocolFee, err = m.ProtocolFee.Add(d.ProtocolFee); err != nil {
		return d, err
	}
	if err := m.creditReferral(s.ReferralToken, d.ReferralFee); err != nil {
		return d, err
	}
	return d, m.creditReferral(s.ReferralParentToken, d.ReferralParentFee)
}

func (m *Market) creditReferral(token *uint64, amount fpmath.Uint) error {
	if token == nil || amount.IsZero() {
		return nil
	}
	total, err := m.ReferralFees[*token].Add(amount)
	if err != nil {
		return err
	}
	m.ReferralFees[*token] = total
	return nil
}
