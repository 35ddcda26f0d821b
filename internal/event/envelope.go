package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketCreated
	EventTypeIndexPriceUpdated
	EventTypeLiquidityPositionIncreased
	EventTypeLiquidityPositionDecreased
	EventTypeLiquidityPositionLiquidated
	EventTypePositionIncreased
	EventTypePositionDecreased
	EventTypePositionLiquidated
	EventTypeFundingRateSampled
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	MarketID string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded operation plus its result
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all operation payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// MarketID returns the market the operation targets
	MarketID() string

	// SourceSequence returns upstream ordering key (per market)
	SourceSequence() int64

	// OccurredAt returns the versioned input time in unix seconds
	OccurredAt() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeMarketCreated:
		return "MarketCreated"
	case EventTypeIndexPriceUpdated:
		return "IndexPriceUpdated"
	case EventTypeLiquidityPositionIncreased:
		return "LiquidityPositionIncreased"
	case EventTypeLiquidityPositionDecreased:
		return "LiquidityPositionDecreased"
	case EventTypeLiquidityPositionLiquidated:
		return "LiquidityPositionLiquidated"
	case EventTypePositionIncreased:
		return "PositionIncreased"
	case EventTypePositionDecreased:
		return "PositionDecreased"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeFundingRateSampled:
		return "FundingRateSampled"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String. Unknown names map to EventTypeUnknown.
func ParseEventType(s string) EventType {
	for et := EventTypeMarketCreated; et <= EventTypeFundingRateSampled; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
