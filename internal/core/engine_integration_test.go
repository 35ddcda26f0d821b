package core_test

import (
	"encoding/json"
	"testing"

	"PerpAMM/internal/core"
	"PerpAMM/internal/event"
	"PerpAMM/internal/state"
	"PerpAMM/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

type harness struct {
	core      *core.DeterministicCore
	persistCh chan core.CoreOutput
	projCh    chan core.CoreOutput
	seq       int64
	priceSeq  int64
}

// newTestCore creates a DeterministicCore with buffered channels, no DB
// checker and the test market registered.
func newTestCore(t *testing.T) *harness {
	t.Helper()
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1024)
	c, err := core.NewDeterministicCore(testConfigs(t), core.Options{
		IdempotencyCapacity: 1024,
		Logger:              zerolog.Nop(),
		PersistChan:         persistCh,
		ProjectionChan:      projCh,
	})
	require.NoError(t, err)
	return &harness{core: c, persistCh: persistCh, projCh: projCh}
}

func testConfigs(t *testing.T) *state.MarketConfigManager {
	t.Helper()
	configs := state.NewMarketConfigManager()
	cfg := testutil.NewTestMarketConfig()
	require.NoError(t, configs.UpdateMarketConfig(&cfg))
	return configs
}

func (h *harness) header() event.OpHeader {
	h.seq++
	return event.OpHeader{
		OperationID: uuid.New(),
		Market:      testutil.TestMarketID,
		Sequence:    h.seq,
		Timestamp:   1_700_000_000 + h.seq,
	}
}

func (h *harness) createMarket() *event.MarketCreated {
	return &event.MarketCreated{OpHeader: h.header(), IndexPriceX96: testutil.X96(100)}
}

func (h *harness) addLiquidity(account uuid.UUID, margin, liquidity uint64) *event.LiquidityPositionIncreased {
	return &event.LiquidityPositionIncreased{
		OpHeader:       h.header(),
		Account:        account,
		MarginDelta:    testutil.U(margin),
		LiquidityDelta: testutil.U(liquidity),
		IndexPriceX96:  testutil.X96(100),
	}
}

func (h *harness) openLong(account uuid.UUID, margin, size uint64) *event.PositionIncreased {
	return &event.PositionIncreased{
		OpHeader:      h.header(),
		Account:       account,
		Side:          event.SideLong,
		MarginDelta:   testutil.U(margin),
		SizeDelta:     testutil.U(size),
		IndexPriceX96: testutil.X96(100),
	}
}

func (h *harness) price(p uint64) *event.IndexPriceUpdated {
	h.priceSeq++
	return &event.IndexPriceUpdated{
		OpHeader: event.OpHeader{
			OperationID: uuid.New(),
			Market:      testutil.TestMarketID,
			Sequence:    h.priceSeq,
			Timestamp:   1_700_000_000 + h.priceSeq,
		},
		IndexPriceX96: testutil.X96(p),
	}
}

// bootstrap creates the market, one LP and one long position.
func (h *harness) bootstrap(t *testing.T) []event.Event {
	t.Helper()
	ops := []event.Event{
		h.createMarket(),
		h.addLiquidity(uuid.New(), 100_000, 10_000_000),
		h.openLong(uuid.New(), 1000, 500),
	}
	for _, op := range ops {
		require.NoError(t, h.core.ProcessEvent(op))
	}
	return ops
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func envelopes(outputs []core.CoreOutput) []*event.EventEnvelope {
	envs := make([]*event.EventEnvelope, len(outputs))
	for i, o := range outputs {
		envs[i] = o.Envelope
	}
	return envs
}

// ============================================================================
// Test: pipeline
// ============================================================================

func TestProcessEvent_SequencesAndChainsHashes(t *testing.T) {
	h := newTestCore(t)
	h.bootstrap(t)

	outputs := drainOutputs(h.persistCh)
	require.Len(t, outputs, 3)

	var prev [32]byte
	for i, o := range outputs {
		assert.Equal(t, int64(i+1), o.Envelope.Sequence)
		if i > 0 {
			assert.Equal(t, prev, o.Envelope.PrevHash)
		}
		prev = o.Envelope.StateHash
	}
	assert.Equal(t, prev, h.core.GetStateHash())
	assert.Equal(t, int64(4), h.core.GetSequence())

	assert.Nil(t, outputs[0].Batch, "market creation moves no collateral")
	require.NotNil(t, outputs[1].Batch)
	require.NotNil(t, outputs[2].Batch)
	assert.Equal(t, "PositionIncreased", outputs[2].Envelope.EventType.String())
	assert.Equal(t, int64(1_700_000_003), outputs[2].Envelope.Timestamp.Unix())
}

func TestProcessEvent_ProjectionViews(t *testing.T) {
	h := newTestCore(t)
	ops := h.bootstrap(t)

	outputs := drainOutputs(h.projCh)
	require.Len(t, outputs, 3)

	lp := outputs[1].LiquidityPosition
	require.NotNil(t, lp)
	require.NotNil(t, lp.Value)
	assert.Equal(t, ops[1].(*event.LiquidityPositionIncreased).Account, lp.Account)
	assert.Equal(t, "10000000", lp.Value.Liquidity.String())

	pos := outputs[2].Position
	require.NotNil(t, pos)
	require.NotNil(t, pos.Value)
	assert.Equal(t, event.SideLong, pos.Key.Side)
	assert.Equal(t, "500", pos.Value.Size.String())

	require.NotNil(t, outputs[2].Market)
	assert.Equal(t, "500", outputs[2].Market.LongSize.String())
}

func TestProcessEvent_DuplicateIsSkipped(t *testing.T) {
	h := newTestCore(t)
	ops := h.bootstrap(t)
	drainOutputs(h.persistCh)

	require.NoError(t, h.core.ProcessEvent(ops[2]))
	assert.Empty(t, drainOutputs(h.persistCh))
	assert.Equal(t, int64(4), h.core.GetSequence())
}

func TestProcessEvent_SequenceGapFails(t *testing.T) {
	h := newTestCore(t)
	h.bootstrap(t)
	drainOutputs(h.persistCh)

	h.seq++ // skip one
	err := h.core.ProcessEvent(h.openLong(uuid.New(), 1000, 100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
	assert.Empty(t, drainOutputs(h.persistCh))
}

func TestProcessEvent_RejectionIsSequenced(t *testing.T) {
	h := newTestCore(t)
	h.bootstrap(t)
	drainOutputs(h.persistCh)
	before := h.core.GetStateHash()

	// Margin does not cover the trading fee.
	err := h.core.ProcessEvent(h.openLong(uuid.New(), 1, 100))
	var rej *core.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, state.KindSolvency, rej.Kind)

	outputs := drainOutputs(h.persistCh)
	require.Len(t, outputs, 1)
	assert.NotEmpty(t, outputs[0].Rejection)
	assert.Nil(t, outputs[0].Batch)
	assert.Equal(t, before, outputs[0].Envelope.PrevHash)

	// The next operation in the partition is accepted.
	require.NoError(t, h.core.ProcessEvent(h.openLong(uuid.New(), 1000, 100)))
}

func TestProcessEvent_UnknownMarketRejected(t *testing.T) {
	h := newTestCore(t)
	op := h.openLong(uuid.New(), 1000, 100)

	err := h.core.ProcessEvent(op)
	var rej *core.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, state.KindExistence, rej.Kind)
	assert.ErrorIs(t, err, state.ErrMarketNotFound)
}

func TestProcessEvent_MarketCreationKeyedByMarket(t *testing.T) {
	h := newTestCore(t)
	h.bootstrap(t)
	drainOutputs(h.persistCh)

	// A second creation carries the same idempotency key and is dropped.
	require.NoError(t, h.core.ProcessEvent(h.createMarket()))
	assert.Empty(t, drainOutputs(h.persistCh))
}

func TestProcessEvent_StalePriceSkipped(t *testing.T) {
	h := newTestCore(t)
	h.bootstrap(t)
	drainOutputs(h.persistCh)

	h.priceSeq = 4
	require.NoError(t, h.core.ProcessEvent(h.price(101)))
	require.Len(t, drainOutputs(h.persistCh), 1)

	h.priceSeq = 2
	require.NoError(t, h.core.ProcessEvent(h.price(99)))
	assert.Empty(t, drainOutputs(h.persistCh))

	snap, ok := h.core.Market(testutil.TestMarketID)
	require.True(t, ok)
	assert.Equal(t, testutil.X96(101).String(), snap.IndexPriceX96.String())
}

func TestProcessEvent_PriceUpdateScansLiquidations(t *testing.T) {
	h := newTestCore(t)
	h.bootstrap(t)
	drainOutputs(h.projCh)

	// Leverage near the cap, then a price collapse.
	trader := uuid.New()
	require.NoError(t, h.core.ProcessEvent(h.openLong(trader, 600, 500)))
	require.NoError(t, h.core.ProcessEvent(h.price(90)))

	outputs := drainOutputs(h.projCh)
	require.Len(t, outputs, 2)
	candidates := outputs[1].Liquidatable
	require.NotEmpty(t, candidates)
	found := false
	for _, c := range candidates {
		if c.Account == trader && c.Kind == state.LiquidationKindPosition {
			found = true
		}
	}
	assert.True(t, found)
}

// ============================================================================
// Test: recovery
// ============================================================================

func TestReplay_ReproducesStateHash(t *testing.T) {
	h := newTestCore(t)
	h.bootstrap(t)
	_ = h.core.ProcessEvent(h.openLong(uuid.New(), 1, 100)) // rejected, still logged
	require.NoError(t, h.core.ProcessEvent(h.price(102)))
	outputs := drainOutputs(h.persistCh)
	require.Len(t, outputs, 5)

	replayed := newTestCore(t)
	require.NoError(t, replayed.core.Replay(envelopes(outputs)))
	assert.Equal(t, h.core.GetStateHash(), replayed.core.GetStateHash())
	assert.Equal(t, h.core.GetSequence(), replayed.core.GetSequence())
	assert.Empty(t, drainOutputs(replayed.persistCh), "replay must not re-emit")
}

func TestReplay_DetectsTampering(t *testing.T) {
	h := newTestCore(t)
	h.bootstrap(t)
	outputs := drainOutputs(h.persistCh)
	outputs[2].Envelope.StateHash[0] ^= 0xff

	replayed := newTestCore(t)
	err := replayed.core.Replay(envelopes(outputs))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash mismatch")
}

func TestSnapshot_RestoreThenReplay(t *testing.T) {
	h := newTestCore(t)
	h.bootstrap(t)
	snap := h.core.CreateSnapshotState()
	require.Equal(t, int64(3), snap.Sequence)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	require.NoError(t, h.core.ProcessEvent(h.openLong(uuid.New(), 2000, 300)))
	require.NoError(t, h.core.ProcessEvent(h.price(101)))
	outputs := drainOutputs(h.persistCh)
	require.Len(t, outputs, 5)

	var decoded core.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored := newTestCore(t)
	restored.core.RestoreFromSnapshot(&decoded)
	assert.Equal(t, int64(4), restored.core.GetSequence())

	require.NoError(t, restored.core.Replay(envelopes(outputs)))
	assert.Equal(t, h.core.GetStateHash(), restored.core.GetStateHash())

	// Idempotency keys survived the snapshot.
	require.NoError(t, restored.core.ProcessEvent(outputsOp(t, outputs[2])))
	assert.Empty(t, drainOutputs(restored.persistCh))
}

func outputsOp(t *testing.T, o core.CoreOutput) event.Event {
	t.Helper()
	op, err := event.DecodeOp(o.Envelope.EventType, o.Envelope.Payload)
	require.NoError(t, err)
	return op
}
