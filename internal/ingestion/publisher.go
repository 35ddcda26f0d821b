package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"PerpAMM/internal/core"
	"PerpAMM/internal/observability"
	"PerpAMM/internal/state"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventsStream  = "PERPAMM_EVENTS"
	eventsSubject = "perpamm.events"
)

// OutboundPublisher publishes applied operations to NATS for downstream
// consumers, after persistence has confirmed them.
// Subjects: perpamm.events.{op}.{market}; liquidation candidates found after
// a price update go to perpamm.events.liquidatable.{market}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is a processed operation ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       string          `json:"market_id"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`

	subject      string
	liquidatable []candidateJSON
}

type candidateJSON struct {
	Kind    string `json:"kind"`
	Account string `json:"account"`
	Side    string `json:"side,omitempty"`
}

// NewPublishableEvent converts a core output. ok is false for rejected
// operations, which are not published.
func NewPublishableEvent(out core.CoreOutput) (PublishableEvent, bool) {
	env := out.Envelope
	if env == nil || out.Rejection != "" {
		return PublishableEvent{}, false
	}
	pe := PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
		subject:        SubjectForEvent(out),
	}
	for _, c := range out.Liquidatable {
		cj := candidateJSON{Kind: c.Kind.String(), Account: c.Account.String()}
		if c.Kind == state.LiquidationKindPosition {
			cj.Side = c.Side.String()
		}
		pe.liquidatable = append(pe.liquidatable, cj)
	}
	return pe, true
}

// SubjectForEvent returns perpamm.events.<op>.<market>.
func SubjectForEvent(out core.CoreOutput) string {
	return fmt.Sprintf("%s.%s.%s", eventsSubject, OpToken(out.Envelope.EventType), out.Envelope.MarketID)
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log.
				op.logger.Warn().Err(err).Int64("seq", evt.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := op.js.Publish(ctx, evt.subject, data, jetstream.WithMsgID(fmt.Sprintf("perpamm-%d", evt.Sequence))); err != nil {
		return err
	}

	if len(evt.liquidatable) == 0 {
		return nil
	}
	data, err = json.Marshal(struct {
		Sequence   int64           `json:"sequence"`
		MarketID   string          `json:"market_id"`
		Candidates []candidateJSON `json:"candidates"`
	}{evt.Sequence, evt.MarketID, evt.liquidatable})
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	_, err = op.js.Publish(ctx, fmt.Sprintf("%s.liquidatable.%s", eventsSubject, evt.MarketID), data)
	return err
}
