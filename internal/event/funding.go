package event

import (
	"fmt"

	fpmath "PerpAMM/internal/math"
)

// FundingRateSampled drives premium sampling and, once per adjust interval,
// the funding-rate adjustment. Timestamp is the sample time.
// Idempotency key: "{market}:funding:{timestamp}".
type FundingRateSampled struct {
	OpHeader
	IndexPriceX96 fpmath.Uint `json:"index_price_x96"`
}

func (f *FundingRateSampled) IdempotencyKey() string {
	return fmt.Sprintf("%s:funding:%d", f.Market, f.Timestamp)
}

func (f *FundingRateSampled) EventType() EventType {
	return EventTypeFundingRateSampled
}
