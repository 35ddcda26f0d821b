package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"PerpAMM/internal/event"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OpsStream    = "PERPAMM_OPS"
	opsSubject   = "perpamm.ops"
	streamMaxAge = 72 * time.Hour
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// operations into the ingestion loop via eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded operation, ready for the shell to parse and
// validate before it reaches the core.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed (or deduplicated)
	NakFunc   func() // transient failure, redeliver
	TermFunc  func() // never redeliver: malformed or rejected
}

// SubjectConfig maps a NATS subject to an operation type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

var opTokens = map[event.EventType]string{
	event.EventTypeMarketCreated:               "market_created",
	event.EventTypeIndexPriceUpdated:           "index_price_updated",
	event.EventTypeLiquidityPositionIncreased:  "liquidity_position_increased",
	event.EventTypeLiquidityPositionDecreased:  "liquidity_position_decreased",
	event.EventTypeLiquidityPositionLiquidated: "liquidity_position_liquidated",
	event.EventTypePositionIncreased:           "position_increased",
	event.EventTypePositionDecreased:           "position_decreased",
	event.EventTypePositionLiquidated:          "position_liquidated",
	event.EventTypeFundingRateSampled:          "funding_rate_sampled",
}

// OpToken returns the snake-case subject token of an operation type.
func OpToken(et event.EventType) string {
	return opTokens[et]
}

// SubjectForOp returns perpamm.ops.<op>.<market>.
func SubjectForOp(et event.EventType, market string) string {
	return fmt.Sprintf("%s.%s.%s", opsSubject, OpToken(et), market)
}

// EventTypeForSubject resolves the operation type from an inbound subject.
func EventTypeForSubject(subject string) (event.EventType, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0]+"."+parts[1] != opsSubject {
		return event.EventTypeUnknown, false
	}
	return ParseOpToken(parts[2])
}

// ParseOpToken is the inverse of OpToken.
func ParseOpToken(token string) (event.EventType, bool) {
	for et, t := range opTokens {
		if t == token {
			return et, true
		}
	}
	return event.EventTypeUnknown, false
}

// DefaultSubjects returns one durable consumer per operation type so a
// slow keeper feed cannot hold back trading ops.
func DefaultSubjects() []SubjectConfig {
	out := make([]SubjectConfig, 0, len(opTokens))
	for et := event.EventTypeMarketCreated; et <= event.EventTypeFundingRateSampled; et++ {
		token := OpToken(et)
		out = append(out, SubjectConfig{
			Subject:      fmt.Sprintf("%s.%s.>", opsSubject, token),
			EventType:    et.String(),
			ConsumerName: "perpamm-" + strings.ReplaceAll(token, "_", "-"),
			StreamName:   OpsStream,
		})
	}
	return out
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
				TermFunc:  func() { _ = msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound and outbound streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      OpsStream,
			Subjects:  []string{opsSubject + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		},
		{
			Name:      EventsStream,
			Subjects:  []string{eventsSubject + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpamm"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
