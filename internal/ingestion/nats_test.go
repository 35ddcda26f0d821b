package ingestion_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"PerpAMM/internal/event"
	"PerpAMM/internal/ingestion"
	"PerpAMM/internal/testutil"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSubjects_Golden(t *testing.T) {
	var buf bytes.Buffer
	for _, s := range ingestion.DefaultSubjects() {
		fmt.Fprintf(&buf, "%s %s %s %s\n", s.Subject, s.EventType, s.ConsumerName, s.StreamName)
	}
	testutil.AssertGolden(t, "default_subjects.golden", buf.Bytes())
}

// --- Integration ---

func TestNATSSubscriber_DeliversParsedOps(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))
	require.NoError(t, js.DeleteStream(ctx, ingestion.OpsStream))
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))

	rawCh := make(chan ingestion.RawEvent, 4)
	sub := ingestion.NewNATSSubscriber(js, rawCh, zerolog.Nop())
	require.NoError(t, sub.Subscribe(ctx, ingestion.DefaultSubjects()))
	defer sub.Stop()

	data := mustJSON(t, map[string]any{
		"market":      "ETH-USD",
		"sequence":    1,
		"timestamp":   1_700_000_000,
		"index_price": "2000",
	})
	_, err = js.Publish(ctx, ingestion.SubjectForOp(event.EventTypeMarketCreated, "ETH-USD"), data)
	require.NoError(t, err)

	select {
	case raw := <-rawCh:
		assert.Equal(t, "MarketCreated", raw.EventType)
		evt, err := ingestion.ParseRawEvent(raw, raw.EventType)
		require.NoError(t, err)
		assert.Equal(t, "ETH-USD:create", evt.IdempotencyKey())
		raw.AckFunc()
	case <-ctx.Done():
		t.Fatal("no operation delivered")
	}
}

func TestOutboundPublisher_PublishesToEventsStream(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))
	require.NoError(t, js.DeleteStream(ctx, ingestion.EventsStream))
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))

	subs, persistCh := startCore(t)
	_, err = ingestion.NewGRPCIngestService(subs).Submit(ctx, "MarketCreated", mustJSON(t, map[string]any{
		"market": testutil.TestMarketID, "sequence": 1, "timestamp": 1_700_000_000, "index_price": "100",
	}))
	require.NoError(t, err)
	pe, ok := ingestion.NewPublishableEvent(<-persistCh)
	require.True(t, ok)

	publishCh := make(chan ingestion.PublishableEvent, 1)
	publishCh <- pe
	close(publishCh)
	require.NoError(t, ingestion.NewOutboundPublisher(js, publishCh, nil, zerolog.Nop()).Run(ctx))

	consumer, err := js.CreateOrUpdateConsumer(ctx, ingestion.EventsStream, jetstream.ConsumerConfig{
		FilterSubject: "perpamm.events.market_created." + testutil.TestMarketID,
		AckPolicy:     jetstream.AckNonePolicy,
	})
	require.NoError(t, err)
	msg, err := consumer.Next(jetstream.FetchMaxWait(5 * time.Second))
	require.NoError(t, err)

	var got ingestion.PublishableEvent
	require.NoError(t, json.Unmarshal(msg.Data(), &got))
	assert.Equal(t, pe.Sequence, got.Sequence)
	assert.Equal(t, "MarketCreated", got.EventType)
	assert.Equal(t, pe.StateHash, got.StateHash)
}
