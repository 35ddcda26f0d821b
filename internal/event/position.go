package event

import (
	fpmath "PerpAMM/internal/math"

	"github.com/google/uuid"
)

// PositionIncreased opens or grows a leveraged position against the pool.
type PositionIncreased struct {
	OpHeader
	Account       uuid.UUID   `json:"account"`
	Side          Side        `json:"side"`
	MarginDelta   fpmath.Uint `json:"margin_delta"`
	SizeDelta     fpmath.Uint `json:"size_delta"`
	IndexPriceX96 fpmath.Uint `json:"index_price_x96"`
	// Nil means no bound. Longs reject above it, shorts below it.
	AcceptableTradePriceX96 *fpmath.Uint `json:"acceptable_trade_price_x96,omitempty"`
	ReferralToken           *uint64      `json:"referral_token,omitempty"`
	ReferralParentToken     *uint64      `json:"referral_parent_token,omitempty"`
}

func (p *PositionIncreased) EventType() EventType {
	return EventTypePositionIncreased
}

// PositionDecreased shrinks or closes a position. Margin paid out is owed to
// Receiver.
type PositionDecreased struct {
	OpHeader
	Account                 uuid.UUID    `json:"account"`
	Side                    Side         `json:"side"`
	MarginDelta             fpmath.Uint  `json:"margin_delta"`
	SizeDelta               fpmath.Uint  `json:"size_delta"`
	IndexPriceX96           fpmath.Uint  `json:"index_price_x96"`
	AcceptableTradePriceX96 *fpmath.Uint `json:"acceptable_trade_price_x96,omitempty"`
	Receiver                uuid.UUID    `json:"receiver"`
	ReferralToken           *uint64      `json:"referral_token,omitempty"`
	ReferralParentToken     *uint64      `json:"referral_parent_token,omitempty"`
}

func (p *PositionDecreased) EventType() EventType {
	return EventTypePositionDecreased
}
