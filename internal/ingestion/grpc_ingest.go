package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpAMM/internal/core"
	"PerpAMM/internal/event"
	"PerpAMM/internal/observability"

	"github.com/rs/zerolog"
)

// ErrInvalidPayload marks operations that failed to parse or validate.
var ErrInvalidPayload = errors.New("invalid payload")

// Submission is one parsed operation on its way to the core. Done, if set,
// is called with the core's verdict. A submission with Exec instead of an
// Event runs Exec on the core goroutine.
type Submission struct {
	Event    event.Event
	Exec     func(*core.DeterministicCore)
	Received time.Time
	Done     func(error)
}

// OnCore runs fn on the core goroutine and waits for it to finish.
func OnCore(ctx context.Context, subs chan<- Submission, fn func(*core.DeterministicCore)) error {
	done := make(chan error, 1)
	select {
	case subs <- Submission{Exec: fn, Done: func(err error) { done <- err }}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GRPCIngestService submits operations received over gRPC/HTTP. It is for
// keepers and admin tooling; high-throughput producers use NATS.
type GRPCIngestService struct {
	submissions chan<- Submission
}

func NewGRPCIngestService(submissions chan<- Submission) *GRPCIngestService {
	return &GRPCIngestService{submissions: submissions}
}

// Submit parses body as an operation of eventType and waits for the core
// to process it. A market rejection comes back as *core.RejectionError.
func (s *GRPCIngestService) Submit(ctx context.Context, eventType string, body []byte) (event.Event, error) {
	evt, err := ParseRawEvent(RawEvent{EventType: eventType, Data: body}, eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	result := make(chan error, 1)
	sub := Submission{
		Event:    evt,
		Received: time.Now(),
		Done:     func(err error) { result <- err },
	}

	select {
	case s.submissions <- sub:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case err := <-result:
		return evt, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunParser turns raw NATS messages into submissions. Malformed messages
// are terminated; accepted ones are acked once the core has sequenced or
// rejected them, and nak'd on ordering errors so JetStream redelivers.
func RunParser(ctx context.Context, rawChan <-chan RawEvent, out chan<- Submission, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := raw.EventType
			if eventType == "" {
				et, ok := EventTypeForSubject(raw.Subject)
				if !ok {
					logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
					raw.TermFunc()
					continue
				}
				eventType = et.String()
			}

			evt, err := ParseRawEvent(raw, eventType)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
				raw.TermFunc()
				continue
			}

			sub := Submission{
				Event:    evt,
				Received: raw.Timestamp,
				Done:     natsVerdict(raw),
			}
			select {
			case out <- sub:
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

func natsVerdict(raw RawEvent) func(error) {
	return func(err error) {
		var rej *core.RejectionError
		switch {
		case err == nil, errors.As(err, &rej):
			raw.AckFunc()
		default:
			raw.NakFunc()
		}
	}
}

// RunCore is the only goroutine that calls into the core.
func RunCore(ctx context.Context, subs <-chan Submission, c *core.DeterministicCore, metrics *observability.Metrics, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub, ok := <-subs:
			if !ok {
				return
			}

			if sub.Exec != nil {
				sub.Exec(c)
				if sub.Done != nil {
					sub.Done(nil)
				}
				continue
			}

			err := c.ProcessEvent(sub.Event)
			var rej *core.RejectionError
			if err != nil && !errors.As(err, &rej) {
				logger.Error().Err(err).Str("op", sub.Event.EventType().String()).
					Str("key", sub.Event.IdempotencyKey()).Msg("core.ProcessEvent failed")
			}
			if metrics != nil && !sub.Received.IsZero() {
				metrics.IngestToApply.WithLabelValues(sub.Event.EventType().String()).
					Observe(time.Since(sub.Received).Seconds())
			}
			if sub.Done != nil {
				sub.Done(err)
			}
		}
	}
}
