package state

import (
	"fmt"

	fpmath "PerpAMM/internal/math"
	"PerpAMM/internal/pricing"

	"github.com/pkg/errors"
)

// Arithmetic and price-bound errors are shared with the math and pricing
// packages so callers only need this one.
var (
	ErrOverflow     = fpmath.ErrOverflow
	ErrUnderflow    = fpmath.ErrUnderflow
	ErrDivideByZero = fpmath.ErrDivideByZero

	ErrMaxPremiumRateExceeded = pricing.ErrMaxPremiumRateExceeded
	ErrInvalidOperation       = pricing.ErrInvalidOperation
)

// Capacity
var (
	ErrSizeExceedsMaxSize            = errors.New("size exceeds max size")
	ErrSizeExceedsMaxSizePerPosition = errors.New("size exceeds max size per position")
)

// Solvency
var (
	ErrInsufficientMargin                  = errors.New("insufficient margin")
	ErrInsufficientLiquidityToDecrease     = errors.New("insufficient liquidity to decrease")
	ErrInsufficientSizeToDecrease          = errors.New("insufficient size to decrease")
	ErrInsufficientGlobalLiquidity         = errors.New("insufficient global liquidity")
	ErrLeverageTooHigh                     = errors.New("leverage too high")
	ErrRiskRateTooHigh                     = errors.New("risk rate too high")
	ErrRiskRateTooLow                      = errors.New("risk rate too low")
	ErrLastLiquidityPositionCannotBeClosed = errors.New("last liquidity position cannot be closed")

	// Position-side names for the same two outcomes; errors.Is matches both.
	ErrMarginRateTooHigh = fmt.Errorf("margin rate too high: %w", ErrRiskRateTooHigh)
	ErrMarginRateTooLow  = fmt.Errorf("margin rate too low: %w", ErrRiskRateTooLow)
)

// Existence
var (
	ErrLiquidityPositionNotFound = errors.New("liquidity position not found")
	ErrPositionNotFound          = errors.New("position not found")
	ErrMarketNotFound            = errors.New("market not found")
)

// Error kinds, used for metric labels and transport status codes.
const (
	KindArithmetic = "arithmetic"
	KindCapacity   = "capacity"
	KindSolvency   = "solvency"
	KindExistence  = "existence"
	KindPriceBound = "price_bound"
	KindInternal   = "internal"
)

// ErrorKind classifies err. It returns "" for nil.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case isAny(err, ErrOverflow, ErrUnderflow, ErrDivideByZero):
		return KindArithmetic
	case isAny(err, ErrSizeExceedsMaxSize, ErrSizeExceedsMaxSizePerPosition, ErrMaxPremiumRateExceeded):
		return KindCapacity
	case isAny(err, ErrInsufficientMargin, ErrInsufficientLiquidityToDecrease, ErrInsufficientSizeToDecrease,
		ErrInsufficientGlobalLiquidity, ErrLeverageTooHigh, ErrRiskRateTooHigh, ErrRiskRateTooLow,
		ErrLastLiquidityPositionCannotBeClosed):
		return KindSolvency
	case isAny(err, ErrLiquidityPositionNotFound, ErrPositionNotFound, ErrMarketNotFound):
		return KindExistence
	case isAny(err, ErrInvalidOperation):
		return KindPriceBound
	default:
		return KindInternal
	}
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
