package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty operation of the given type.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeMarketCreated:
		return &MarketCreated{}, nil
	case EventTypeIndexPriceUpdated:
		return &IndexPriceUpdated{}, nil
	case EventTypeLiquidityPositionIncreased:
		return &LiquidityPositionIncreased{}, nil
	case EventTypeLiquidityPositionDecreased:
		return &LiquidityPositionDecreased{}, nil
	case EventTypeLiquidityPositionLiquidated:
		return &LiquidityPositionLiquidated{}, nil
	case EventTypePositionIncreased:
		return &PositionIncreased{}, nil
	case EventTypePositionDecreased:
		return &PositionDecreased{}, nil
	case EventTypePositionLiquidated:
		return &PositionLiquidated{}, nil
	case EventTypeFundingRateSampled:
		return &FundingRateSampled{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d", int32(et))
	}
}

// Payload is what the event log stores for each applied operation.
// A rejected operation keeps its sequence slot and records why it failed.
type Payload struct {
	Op        json.RawMessage `json:"op"`
	Result    json.RawMessage `json:"result,omitempty"`
	Rejection string          `json:"rejection,omitempty"`
}

// EncodePayload serializes an operation with the result it produced, or the
// reason it was rejected.
func EncodePayload(op Event, result any, rejection string) ([]byte, error) {
	opRaw, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op.EventType(), err)
	}
	p := Payload{Op: opRaw, Rejection: rejection}
	if result != nil {
		if p.Result, err = json.Marshal(result); err != nil {
			return nil, fmt.Errorf("encode %s result: %w", op.EventType(), err)
		}
	}
	return json.Marshal(p)
}

// DecodePayload splits an event-log payload.
func DecodePayload(payload []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// DecodeOp restores the operation stored in an event-log payload.
func DecodeOp(et EventType, payload []byte) (Event, error) {
	p, err := DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	op, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(p.Op, op); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return op, nil
}
