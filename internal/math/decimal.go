package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var q96Decimal = decimal.NewFromBigInt(Q96.BigInt(), 0)

// Decimal returns x as an exact decimal.
func (x Uint) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(x.BigInt(), 0)
}

// Decimal returns x as an exact decimal.
func (x Int) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(x.BigInt(), 0)
}

// Float64 is lossy and only meant for metrics.
func (x Uint) Float64() float64 {
	f, _ := x.Decimal().Float64()
	return f
}

// Float64 is lossy and only meant for metrics.
func (x Int) Float64() float64 {
	f, _ := x.Decimal().Float64()
	return f
}

// X96ToDecimal converts a Q64.96 price or rate to a human-readable decimal.
func X96ToDecimal(x Uint) decimal.Decimal {
	return x.Decimal().DivRound(q96Decimal, 18)
}

// DecimalToX96 converts a human-readable price to Q64.96, truncating
// precision below 2^-96.
func DecimalToX96(d decimal.Decimal) (Uint, error) {
	if d.IsNegative() {
		return zero, fmt.Errorf("negative price %s", d)
	}
	return UintFromBig(d.Mul(q96Decimal).BigInt())
}

// ParsePriceX96 parses a decimal price string such as "1834.25" into Q64.96.
func ParsePriceX96(s string) (Uint, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return zero, fmt.Errorf("parse price %q: %w", s, err)
	}
	return DecimalToX96(d)
}

// BasisPointsToDecimal renders a basis-point rate as a fraction.
func BasisPointsToDecimal(rate uint32) decimal.Decimal {
	return decimal.New(int64(rate), 0).Div(decimal.New(BasisPointsDivisor, 0))
}
