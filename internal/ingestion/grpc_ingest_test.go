package ingestion_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"PerpAMM/internal/core"
	"PerpAMM/internal/event"
	"PerpAMM/internal/ingestion"
	"PerpAMM/internal/state"
	"PerpAMM/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCore(t *testing.T) (chan ingestion.Submission, chan core.CoreOutput) {
	t.Helper()
	configs := state.NewMarketConfigManager()
	cfg := testutil.NewTestMarketConfig()
	require.NoError(t, configs.UpdateMarketConfig(&cfg))

	persistCh := make(chan core.CoreOutput, 64)
	c, err := core.NewDeterministicCore(configs, core.Options{
		IdempotencyCapacity: 64,
		Logger:              zerolog.Nop(),
		PersistChan:         persistCh,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	subs := make(chan ingestion.Submission, 16)
	go ingestion.RunCore(ctx, subs, c, nil, zerolog.Nop())
	return subs, persistCh
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestGRPCIngest_Submit(t *testing.T) {
	subs, persistCh := startCore(t)
	svc := ingestion.NewGRPCIngestService(subs)
	ctx := context.Background()

	evt, err := svc.Submit(ctx, "MarketCreated", mustJSON(t, map[string]any{
		"market": testutil.TestMarketID, "sequence": 1, "timestamp": 1_700_000_000, "index_price": "100",
	}))
	require.NoError(t, err)
	assert.Equal(t, testutil.TestMarketID, evt.MarketID())
	out := <-persistCh
	assert.Equal(t, int64(1), out.Envelope.Sequence)

	_, err = svc.Submit(ctx, "PositionIncreased", []byte(`{"market":"x"}`))
	assert.ErrorIs(t, err, ingestion.ErrInvalidPayload)

	_, err = svc.Submit(ctx, "LiquidityPositionDecreased", mustJSON(t, map[string]any{
		"operation_id": "550e8400-e29b-41d4-a716-446655440000",
		"market":       testutil.TestMarketID, "sequence": 2, "timestamp": 1_700_000_001,
		"account":      "660e8400-e29b-41d4-a716-446655440001",
		"receiver":     "660e8400-e29b-41d4-a716-446655440001",
		"margin_delta": "1", "index_price": "100",
	}))
	var rej *core.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, state.KindExistence, rej.Kind)
}

func TestRunParser_AckTermNak(t *testing.T) {
	subs, _ := startCore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rawCh := make(chan ingestion.RawEvent, 4)
	go ingestion.RunParser(ctx, rawCh, subs, zerolog.Nop())

	var acks, naks, terms atomic.Int32
	raw := func(subject string, body []byte) ingestion.RawEvent {
		return ingestion.RawEvent{
			Subject:   subject,
			Data:      body,
			Timestamp: time.Now(),
			AckFunc:   func() { acks.Add(1) },
			NakFunc:   func() { naks.Add(1) },
			TermFunc:  func() { terms.Add(1) },
		}
	}

	create := mustJSON(t, map[string]any{
		"market": testutil.TestMarketID, "sequence": 1, "timestamp": 1_700_000_000, "index_price": "100",
	})
	gap := mustJSON(t, map[string]any{
		"operation_id": "550e8400-e29b-41d4-a716-446655440000",
		"market":       testutil.TestMarketID, "sequence": 5, "timestamp": 1_700_000_001,
		"account":      "660e8400-e29b-41d4-a716-446655440001",
		"margin_delta": "10", "liquidity_delta": "10", "index_price": "100",
	})

	rawCh <- raw(ingestion.SubjectForOp(event.EventTypeMarketCreated, testutil.TestMarketID), create)
	rawCh <- raw("perpamm.ops.bogus."+testutil.TestMarketID, create)
	rawCh <- raw(ingestion.SubjectForOp(event.EventTypeIndexPriceUpdated, testutil.TestMarketID), []byte("{"))
	rawCh <- raw(ingestion.SubjectForOp(event.EventTypeLiquidityPositionIncreased, testutil.TestMarketID), gap)

	require.Eventually(t, func() bool {
		return acks.Load() == 1 && terms.Load() == 2 && naks.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnCore_RunsOnCoreGoroutine(t *testing.T) {
	subs, persistCh := startCore(t)
	svc := ingestion.NewGRPCIngestService(subs)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "MarketCreated", mustJSON(t, map[string]any{
		"market": testutil.TestMarketID, "sequence": 1, "timestamp": 1_700_000_000, "index_price": "100",
	}))
	require.NoError(t, err)
	<-persistCh

	var snap *core.SnapshotState
	require.NoError(t, ingestion.OnCore(ctx, subs, func(c *core.DeterministicCore) {
		snap = c.CreateSnapshotState()
	}))
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Sequence)
	require.Len(t, snap.Markets, 1)
	assert.Equal(t, testutil.TestMarketID, snap.Markets[0].ID)
}
