package event

import (
	fpmath "PerpAMM/internal/math"

	"github.com/google/uuid"
)

// LiquidityPositionLiquidated force-closes an LP stake that breached its
// maintenance margin. The execution fee is owed to FeeReceiver.
type LiquidityPositionLiquidated struct {
	OpHeader
	Account       uuid.UUID   `json:"account"`
	IndexPriceX96 fpmath.Uint `json:"index_price_x96"`
	FeeReceiver   uuid.UUID   `json:"fee_receiver"`
}

func (l *LiquidityPositionLiquidated) EventType() EventType {
	return EventTypeLiquidityPositionLiquidated
}

// PositionLiquidated force-closes a leveraged position through the curve in
// liquidation mode.
type PositionLiquidated struct {
	OpHeader
	Account       uuid.UUID   `json:"account"`
	Side          Side        `json:"side"`
	IndexPriceX96 fpmath.Uint `json:"index_price_x96"`
	FeeReceiver   uuid.UUID   `json:"fee_receiver"`
}

func (l *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}
