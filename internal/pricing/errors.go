package pricing

import "github.com/pkg/errors"

var (
	// ErrMaxPremiumRateExceeded is returned when a routine trade would push
	// the pool past the last vertex.
	ErrMaxPremiumRateExceeded = errors.New("max premium rate exceeded")
	// ErrInvalidOperation covers zero-size requests and malformed inputs.
	ErrInvalidOperation = errors.New("invalid operation")
)
