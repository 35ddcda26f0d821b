package persistence_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"PerpAMM/internal/core"
	"PerpAMM/internal/event"
	"PerpAMM/internal/ledger"
	fpmath "PerpAMM/internal/math"
	"PerpAMM/internal/persistence"
	"PerpAMM/internal/state"
	"PerpAMM/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRow_EnvelopeRoundTrip(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:       7,
		IdempotencyKey: "ETH-USD:create",
		EventType:      event.EventTypeMarketCreated,
		MarketID:       "ETH-USD",
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
		SourceSequence: 3,
		Payload:        []byte(`{"op":{}}`),
	}
	env.StateHash[0] = 0xAB
	env.PrevHash[31] = 0xCD

	row := persistence.NewEventRow(env)
	assert.Equal(t, "MarketCreated", row.EventType)
	assert.Len(t, row.StateHash, 32)

	back, err := row.Envelope()
	require.NoError(t, err)
	assert.Equal(t, env, back)
}

func TestEventRow_RejectsMalformedRows(t *testing.T) {
	row := persistence.EventRow{Sequence: 1, EventType: "MarketCreated", StateHash: []byte{1}, PrevHash: make([]byte, 32)}
	_, err := row.Envelope()
	assert.ErrorContains(t, err, "malformed hash")

	row = persistence.EventRow{Sequence: 2, EventType: "Teleported", StateHash: make([]byte, 32), PrevHash: make([]byte, 32)}
	_, err = row.Envelope()
	assert.ErrorContains(t, err, "unknown type")
}

func TestNewJournalRows(t *testing.T) {
	assert.Nil(t, persistence.NewJournalRows(nil))

	user := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      "op-1",
			Sequence:      4,
			DebitAccount:  ledger.NewMarketAccountKey("ETH-USD", ledger.SubTypeLiquidityMargin),
			CreditAccount: ledger.NewWalletAccountKey(user),
			Amount:        fpmath.NewUint(1500),
			JournalType:   ledger.JournalTypeMarginDeposit,
			Timestamp:     1_700_000_000,
		}},
	}

	rows := persistence.NewJournalRows(batch)
	require.Len(t, rows, 1)
	assert.Equal(t, "market:ETH-USD:liquidity_margin", rows[0].DebitAccount)
	assert.Equal(t, "user:550e8400-e29b-41d4-a716-446655440000:wallet", rows[0].CreditAccount)
	assert.Equal(t, "1500", rows[0].Amount)
	assert.Equal(t, batchID.String(), rows[0].BatchID)
	assert.Equal(t, int64(4), rows[0].Sequence)
}

// --- Integration ---

func migrate(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	_, err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(context.Background())
	require.NoError(t, err)
	return db, cleanup
}

func runOps(t *testing.T, persistCh chan core.CoreOutput) *core.DeterministicCore {
	t.Helper()
	configs := state.NewMarketConfigManager()
	cfg := testutil.NewTestMarketConfig()
	require.NoError(t, configs.UpdateMarketConfig(&cfg))
	c, err := core.NewDeterministicCore(configs, core.Options{
		IdempotencyCapacity: 64,
		Logger:              zerolog.Nop(),
		PersistChan:         persistCh,
	})
	require.NoError(t, err)

	header := func(seq int64) event.OpHeader {
		return event.OpHeader{OperationID: uuid.New(), Market: testutil.TestMarketID, Sequence: seq, Timestamp: 1_700_000_000 + seq}
	}
	require.NoError(t, c.ProcessEvent(&event.MarketCreated{OpHeader: header(1), IndexPriceX96: testutil.X96(100)}))
	require.NoError(t, c.ProcessEvent(&event.LiquidityPositionIncreased{
		OpHeader:       header(2),
		Account:        uuid.New(),
		MarginDelta:    testutil.U(100_000),
		LiquidityDelta: testutil.U(10_000_000),
		IndexPriceX96:  testutil.X96(100),
	}))
	return c
}

func TestPersistenceWorker_WritesAndReplays(t *testing.T) {
	db, cleanup := migrate(t)
	defer cleanup()
	sm := persistence.NewSnapshotManager(db, nil)

	persistCh := make(chan core.CoreOutput, 16)
	live := runOps(t, persistCh)
	close(persistCh)

	var flushed []core.CoreOutput
	w := persistence.NewPersistenceWorker(db, persistCh, 10, 50*time.Millisecond, nil, zerolog.Nop())
	w.OnFlushed(func(batch []core.CoreOutput) { flushed = append(flushed, batch...) })
	require.NoError(t, w.Run(context.Background()))
	require.Len(t, flushed, 2)

	ctx := context.Background()
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	var journals int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.journal`).Scan(&journals))
	assert.Positive(t, journals)

	envs, err := sm.LoadEventsAfter(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, envs, 2)

	configs := state.NewMarketConfigManager()
	cfg := testutil.NewTestMarketConfig()
	require.NoError(t, configs.UpdateMarketConfig(&cfg))
	replayed, err := core.NewDeterministicCore(configs, core.Options{IdempotencyCapacity: 64, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, replayed.Replay(envs))
	assert.Equal(t, live.GetStateHash(), replayed.GetStateHash())

	// Snapshot: stored unverified, verified against the logged hash.
	n, err := sm.SaveSnapshot(ctx, live.CreateSnapshotState())
	require.NoError(t, err)
	assert.Positive(t, n)

	snap, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap, "unverified snapshots are not loaded")

	verified, err := sm.VerifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), verified)

	snap, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(2), snap.Sequence)
	assert.Equal(t, live.GetStateHash(), snap.StateHash)
}

func TestIdempotencyChecker_Postgres(t *testing.T) {
	db, cleanup := migrate(t)
	defer cleanup()

	persistCh := make(chan core.CoreOutput, 16)
	runOps(t, persistCh)
	close(persistCh)
	w := persistence.NewPersistenceWorker(db, persistCh, 10, 50*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("MarketCreated", testutil.TestMarketID+":create")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = checker.IsDuplicate("MarketCreated", "BTC-USD:create")
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := checker.RecentKeys(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "MarketCreated:"+testutil.TestMarketID+":create", keys[0])
}

func TestMigrator_Status(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	m := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	_, err := m.Up(context.Background())
	require.NoError(t, err)

	statuses, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	for _, st := range statuses {
		assert.NotNil(t, st.AppliedAt, st.Filename)
	}
	assert.Equal(t, "000001", statuses[0].Version)
}
