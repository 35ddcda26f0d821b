package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpAMM/internal/core"
	"PerpAMM/internal/observability"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends to it with a blocking send, so if this worker falls
// behind the core stalls and no operation is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// onFlushed, if set, receives each batch after it committed.
	onFlushed func([]core.CoreOutput)
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       &EventLogWriter{},
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// OnFlushed registers a hook that runs after every committed batch, in
// sequence order. The outbound publisher hangs off it.
func (pw *PersistenceWorker) OnFlushed(fn func([]core.CoreOutput)) {
	pw.onFlushed = fn
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Int("events", len(batch)).Msg("batch flush failed")
		} else if pw.onFlushed != nil {
			pw.onFlushed(append([]core.CoreOutput(nil), batch...))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Whatever the core already emitted is sequenced and must land.
			for drained := false; !drained; {
				select {
				case output, ok := <-pw.inputChan:
					if !ok {
						drained = true
						break
					}
					batch = append(batch, output)
				default:
					drained = true
				}
			}
			flush(context.Background())
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			batch = append(batch, output)
			if len(batch) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("events", len(batch)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	existing, err := existingSequences(ctx, tx, batch)
	if err != nil {
		pw.countError("lookup")
		return err
	}

	events := make([]EventRow, 0, len(batch))
	var journals []JournalRow
	for _, out := range batch {
		if existing[out.Envelope.Sequence] {
			continue
		}
		events = append(events, NewEventRow(out.Envelope))
		journals = append(journals, NewJournalRows(out.Batch)...)
	}

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Envelope.Sequence))
	}
	return nil
}

// existingSequences finds the batch members a previous, ambiguously
// failed commit already wrote.
func existingSequences(ctx context.Context, tx *sql.Tx, batch []core.CoreOutput) (map[int64]bool, error) {
	seqs := make([]int64, len(batch))
	for i, out := range batch {
		seqs[i] = out.Envelope.Sequence
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT sequence FROM event_log.events WHERE sequence = ANY($1)`, pq.Array(seqs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[int64]bool)
	for rows.Next() {
		var s int64
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		found[s] = true
	}
	return found, rows.Err()
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
