package event

import (
	fpmath "PerpAMM/internal/math"

	"github.com/google/uuid"
)

// LiquidityPositionIncreased adds margin and/or liquidity to an LP stake.
type LiquidityPositionIncreased struct {
	OpHeader
	Account        uuid.UUID   `json:"account"`
	MarginDelta    fpmath.Uint `json:"margin_delta"`
	LiquidityDelta fpmath.Uint `json:"liquidity_delta"`
	IndexPriceX96  fpmath.Uint `json:"index_price_x96"`
}

func (l *LiquidityPositionIncreased) EventType() EventType {
	return EventTypeLiquidityPositionIncreased
}

// LiquidityPositionDecreased withdraws margin and/or liquidity. Margin paid
// out is owed to Receiver.
type LiquidityPositionDecreased struct {
	OpHeader
	Account        uuid.UUID   `json:"account"`
	MarginDelta    fpmath.Uint `json:"margin_delta"`
	LiquidityDelta fpmath.Uint `json:"liquidity_delta"`
	IndexPriceX96  fpmath.Uint `json:"index_price_x96"`
	Receiver       uuid.UUID   `json:"receiver"`
}

func (l *LiquidityPositionDecreased) EventType() EventType {
	return EventTypeLiquidityPositionDecreased
}
