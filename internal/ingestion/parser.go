package ingestion

import (
	"encoding/json"
	"fmt"

	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type name) into a
// typed event.Event. Amounts on the wire are base-10 integer strings in
// token units; prices are decimal strings such as "1834.25".
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeMarketCreated:
		return parseMarketCreated(raw.Data)
	case event.EventTypeIndexPriceUpdated:
		return parseIndexPriceUpdated(raw.Data)
	case event.EventTypeLiquidityPositionIncreased:
		return parseLiquidityPositionIncreased(raw.Data)
	case event.EventTypeLiquidityPositionDecreased:
		return parseLiquidityPositionDecreased(raw.Data)
	case event.EventTypeLiquidityPositionLiquidated:
		return parseLiquidityPositionLiquidated(raw.Data)
	case event.EventTypePositionIncreased:
		return parsePositionIncreased(raw.Data)
	case event.EventTypePositionDecreased:
		return parsePositionDecreased(raw.Data)
	case event.EventTypePositionLiquidated:
		return parsePositionLiquidated(raw.Data)
	case event.EventTypeFundingRateSampled:
		return parseFundingRateSampled(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type headerJSON struct {
	OperationID string `json:"operation_id"`
	Market      string `json:"market"`
	Sequence    int64  `json:"sequence"`
	Timestamp   int64  `json:"timestamp"` // unix seconds
}

// header validates the shared fields. Keeper feeds and market creation are
// keyed by market and sequence, so their operation id is optional.
func (h headerJSON) header(requireID bool) (event.OpHeader, error) {
	var out event.OpHeader
	if h.Market == "" {
		return out, fmt.Errorf("market is required")
	}
	if h.Sequence <= 0 {
		return out, fmt.Errorf("sequence must be positive, got %d", h.Sequence)
	}
	if h.Timestamp <= 0 {
		return out, fmt.Errorf("timestamp must be positive, got %d", h.Timestamp)
	}
	if h.OperationID != "" || requireID {
		id, err := uuid.Parse(h.OperationID)
		if err != nil {
			return out, fmt.Errorf("parse operation_id: %w", err)
		}
		out.OperationID = id
	}
	out.Market = h.Market
	out.Sequence = h.Sequence
	out.Timestamp = h.Timestamp
	return out, nil
}

type priceJSON struct {
	headerJSON
	IndexPrice string `json:"index_price"`
}

func parseMarketCreated(data []byte) (*event.MarketCreated, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarketCreated: %w", err)
	}
	h, err := j.header(false)
	if err != nil {
		return nil, fmt.Errorf("parse MarketCreated: %w", err)
	}
	price, err := parsePrice("index_price", j.IndexPrice)
	if err != nil {
		return nil, err
	}
	return &event.MarketCreated{OpHeader: h, IndexPriceX96: price}, nil
}

func parseIndexPriceUpdated(data []byte) (*event.IndexPriceUpdated, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse IndexPriceUpdated: %w", err)
	}
	h, err := j.header(false)
	if err != nil {
		return nil, fmt.Errorf("parse IndexPriceUpdated: %w", err)
	}
	price, err := parsePrice("index_price", j.IndexPrice)
	if err != nil {
		return nil, err
	}
	return &event.IndexPriceUpdated{OpHeader: h, IndexPriceX96: price}, nil
}

func parseFundingRateSampled(data []byte) (*event.FundingRateSampled, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundingRateSampled: %w", err)
	}
	h, err := j.header(false)
	if err != nil {
		return nil, fmt.Errorf("parse FundingRateSampled: %w", err)
	}
	price, err := parsePrice("index_price", j.IndexPrice)
	if err != nil {
		return nil, err
	}
	return &event.FundingRateSampled{OpHeader: h, IndexPriceX96: price}, nil
}

type liquidityJSON struct {
	headerJSON
	Account        string `json:"account"`
	MarginDelta    string `json:"margin_delta"`
	LiquidityDelta string `json:"liquidity_delta"`
	IndexPrice     string `json:"index_price"`
	Receiver       string `json:"receiver,omitempty"`
}

func (j liquidityJSON) common(name string) (h event.OpHeader, account uuid.UUID, margin, liquidity, price fpmath.Uint, err error) {
	if h, err = j.header(true); err != nil {
		return h, account, margin, liquidity, price, fmt.Errorf("parse %s: %w", name, err)
	}
	if account, err = parseUUID("account", j.Account); err != nil {
		return
	}
	if margin, err = parseAmount("margin_delta", j.MarginDelta); err != nil {
		return
	}
	if liquidity, err = parseAmount("liquidity_delta", j.LiquidityDelta); err != nil {
		return
	}
	price, err = parsePrice("index_price", j.IndexPrice)
	return
}

func parseLiquidityPositionIncreased(data []byte) (*event.LiquidityPositionIncreased, error) {
	var j liquidityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidityPositionIncreased: %w", err)
	}
	h, account, margin, liquidity, price, err := j.common("LiquidityPositionIncreased")
	if err != nil {
		return nil, err
	}
	return &event.LiquidityPositionIncreased{
		OpHeader:       h,
		Account:        account,
		MarginDelta:    margin,
		LiquidityDelta: liquidity,
		IndexPriceX96:  price,
	}, nil
}

func parseLiquidityPositionDecreased(data []byte) (*event.LiquidityPositionDecreased, error) {
	var j liquidityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidityPositionDecreased: %w", err)
	}
	h, account, margin, liquidity, price, err := j.common("LiquidityPositionDecreased")
	if err != nil {
		return nil, err
	}
	receiver, err := parseUUID("receiver", j.Receiver)
	if err != nil {
		return nil, err
	}
	return &event.LiquidityPositionDecreased{
		OpHeader:       h,
		Account:        account,
		MarginDelta:    margin,
		LiquidityDelta: liquidity,
		IndexPriceX96:  price,
		Receiver:       receiver,
	}, nil
}

type liquidationJSON struct {
	headerJSON
	Account     string `json:"account"`
	Side        string `json:"side,omitempty"`
	IndexPrice  string `json:"index_price"`
	FeeReceiver string `json:"fee_receiver"`
}

func (j liquidationJSON) common(name string) (h event.OpHeader, account, feeReceiver uuid.UUID, price fpmath.Uint, err error) {
	if h, err = j.header(true); err != nil {
		return h, account, feeReceiver, price, fmt.Errorf("parse %s: %w", name, err)
	}
	if account, err = parseUUID("account", j.Account); err != nil {
		return
	}
	if feeReceiver, err = parseUUID("fee_receiver", j.FeeReceiver); err != nil {
		return
	}
	price, err = parsePrice("index_price", j.IndexPrice)
	return
}

func parseLiquidityPositionLiquidated(data []byte) (*event.LiquidityPositionLiquidated, error) {
	var j liquidationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidityPositionLiquidated: %w", err)
	}
	h, account, feeReceiver, price, err := j.common("LiquidityPositionLiquidated")
	if err != nil {
		return nil, err
	}
	return &event.LiquidityPositionLiquidated{
		OpHeader:      h,
		Account:       account,
		IndexPriceX96: price,
		FeeReceiver:   feeReceiver,
	}, nil
}

func parsePositionLiquidated(data []byte) (*event.PositionLiquidated, error) {
	var j liquidationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionLiquidated: %w", err)
	}
	h, account, feeReceiver, price, err := j.common("PositionLiquidated")
	if err != nil {
		return nil, err
	}
	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse side: %w", err)
	}
	return &event.PositionLiquidated{
		OpHeader:      h,
		Account:       account,
		Side:          side,
		IndexPriceX96: price,
		FeeReceiver:   feeReceiver,
	}, nil
}

type positionJSON struct {
	headerJSON
	Account              string  `json:"account"`
	Side                 string  `json:"side"`
	MarginDelta          string  `json:"margin_delta"`
	SizeDelta            string  `json:"size_delta"`
	IndexPrice           string  `json:"index_price"`
	AcceptableTradePrice string  `json:"acceptable_trade_price,omitempty"`
	Receiver             string  `json:"receiver,omitempty"`
	ReferralToken        *uint64 `json:"referral_token,omitempty"`
	ReferralParentToken  *uint64 `json:"referral_parent_token,omitempty"`
}

type positionFields struct {
	header     event.OpHeader
	account    uuid.UUID
	side       event.Side
	margin     fpmath.Uint
	size       fpmath.Uint
	price      fpmath.Uint
	acceptable *fpmath.Uint
}

func (j positionJSON) common(name string) (f positionFields, err error) {
	if f.header, err = j.header(true); err != nil {
		return f, fmt.Errorf("parse %s: %w", name, err)
	}
	if f.account, err = parseUUID("account", j.Account); err != nil {
		return f, err
	}
	if f.side, err = event.ParseSide(j.Side); err != nil {
		return f, fmt.Errorf("parse side: %w", err)
	}
	if f.margin, err = parseAmount("margin_delta", j.MarginDelta); err != nil {
		return f, err
	}
	if f.size, err = parseAmount("size_delta", j.SizeDelta); err != nil {
		return f, err
	}
	if f.price, err = parsePrice("index_price", j.IndexPrice); err != nil {
		return f, err
	}
	if j.AcceptableTradePrice != "" {
		p, err := fpmath.ParsePriceX96(j.AcceptableTradePrice)
		if err != nil {
			return f, fmt.Errorf("parse acceptable_trade_price: %w", err)
		}
		f.acceptable = &p
	}
	return f, nil
}

func parsePositionIncreased(data []byte) (*event.PositionIncreased, error) {
	var j positionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionIncreased: %w", err)
	}
	f, err := j.common("PositionIncreased")
	if err != nil {
		return nil, err
	}
	return &event.PositionIncreased{
		OpHeader:                f.header,
		Account:                 f.account,
		Side:                    f.side,
		MarginDelta:             f.margin,
		SizeDelta:               f.size,
		IndexPriceX96:           f.price,
		AcceptableTradePriceX96: f.acceptable,
		ReferralToken:           j.ReferralToken,
		ReferralParentToken:     j.ReferralParentToken,
	}, nil
}

func parsePositionDecreased(data []byte) (*event.PositionDecreased, error) {
	var j positionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionDecreased: %w", err)
	}
	f, err := j.common("PositionDecreased")
	if err != nil {
		return nil, err
	}
	receiver, err := parseUUID("receiver", j.Receiver)
	if err != nil {
		return nil, err
	}
	return &event.PositionDecreased{
		OpHeader:                f.header,
		Account:                 f.account,
		Side:                    f.side,
		MarginDelta:             f.margin,
		SizeDelta:               f.size,
		IndexPriceX96:           f.price,
		AcceptableTradePriceX96: f.acceptable,
		Receiver:                receiver,
		ReferralToken:           j.ReferralToken,
		ReferralParentToken:     j.ReferralParentToken,
	}, nil
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

// parseAmount treats an empty amount as zero.
func parseAmount(field, s string) (fpmath.Uint, error) {
	if s == "" {
		return fpmath.Zero(), nil
	}
	v, err := fpmath.UintFromString(s)
	if err != nil {
		return fpmath.Zero(), fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

func parsePrice(field, s string) (fpmath.Uint, error) {
	if s == "" {
		return fpmath.Zero(), fmt.Errorf("%s is required", field)
	}
	p, err := fpmath.ParsePriceX96(s)
	if err != nil {
		return fpmath.Zero(), fmt.Errorf("parse %s: %w", field, err)
	}
	if p.IsZero() {
		return p, fmt.Errorf("%s must be positive", field)
	}
	return p, nil
}
