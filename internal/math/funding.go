package math

// CalculateFundingFee returns the funding owed to (positive) or by (negative)
// a position of the given size since its entry growth snapshot. The result
// rounds toward negative infinity so the position never receives dust.
func CalculateFundingFee(globalGrowthX96, entryGrowthX96 Int, size Uint) (Int, error) {
	delta, err := globalGrowthX96.Sub(entryGrowthX96)
	if err != nil {
		return Int{}, err
	}
	return MulDivFloor(delta, size, Q96)
}

// CalculateUnrealizedPnL returns the PnL of size units opened at entryPriceX96
// and valued at priceX96, rounded toward negative infinity.
func CalculateUnrealizedPnL(long bool, size, entryPriceX96, priceX96 Uint) (Int, error) {
	var diff Int
	if long {
		diff, _ = priceX96.ToInt().SubUint(entryPriceX96)
	} else {
		diff, _ = entryPriceX96.ToInt().SubUint(priceX96)
	}
	return MulDivFloor(diff, size, Q96)
}

// CalculateValue returns size·priceX96/Q96 with the given rounding.
func CalculateValue(size, priceX96 Uint, mode RoundingMode) (Uint, error) {
	return MulDivRounding(size, priceX96, Q96, mode)
}

// CalculateFee returns ⌈⌈size·price/Q96⌉·rate/BP⌉, the fee charged on a trade.
func CalculateFee(size, priceX96 Uint, rate uint32) (Uint, error) {
	value, err := CalculateValue(size, priceX96, RoundUp)
	if err != nil {
		return zero, err
	}
	return ApplyBasisPoints(value, rate, RoundUp)
}

// ComputeAvgEntryPrice returns the size-weighted average of the old entry
// price and a new fill.
func ComputeAvgEntryPrice(oldSize, oldEntryX96, fillSize, fillPriceX96 Uint, mode RoundingMode) (Uint, error) {
	if oldSize.IsZero() {
		return fillPriceX96, nil
	}
	if fillSize.IsZero() {
		return oldEntryX96, nil
	}
	oldValue, err := oldSize.Mul(oldEntryX96)
	if err != nil {
		return zero, err
	}
	fillValue, err := fillSize.Mul(fillPriceX96)
	if err != nil {
		return zero, err
	}
	total, err := oldValue.Add(fillValue)
	if err != nil {
		return zero, err
	}
	sizeAfter, err := oldSize.Add(fillSize)
	if err != nil {
		return zero, err
	}
	if mode == RoundUp {
		return CeilDiv(total, sizeAfter)
	}
	return total.Div(sizeAfter)
}
