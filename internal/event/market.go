package event

import (
	"fmt"

	fpmath "PerpAMM/internal/math"
)

// MarketCreated opens a market using the configuration registered under
// the same market id. The index price seeds the curve and size caps.
type MarketCreated struct {
	OpHeader
	IndexPriceX96 fpmath.Uint `json:"index_price_x96"`
}

func (m *MarketCreated) IdempotencyKey() string {
	return fmt.Sprintf("%s:create", m.Market)
}

func (m *MarketCreated) EventType() EventType {
	return EventTypeMarketCreated
}

// IndexPriceUpdated carries the price-feed output. It recomputes max sizes
// and the vertex table but never moves the premium.
type IndexPriceUpdated struct {
	OpHeader
	IndexPriceX96 fpmath.Uint `json:"index_price_x96"`
}

func (p *IndexPriceUpdated) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Market, p.Sequence)
}

func (p *IndexPriceUpdated) EventType() EventType {
	return EventTypeIndexPriceUpdated
}
