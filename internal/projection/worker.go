package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpAMM/internal/core"
	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"
	"PerpAMM/internal/observability"
	"PerpAMM/internal/state"

	"github.com/rs/zerolog"
)

const watermarkWorker = "main"

// ProjectionWorker maintains the read-side tables from processed
// operations. The core feeds it through a non-blocking channel, so a slow
// worker loses updates; RebuildBalances and the next market update catch
// it up.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Envelope == nil {
				continue
			}

			start := time.Now()
			if err := pw.Apply(ctx, output); err != nil {
				// Projections are eventually consistent and rebuildable.
				pw.logger.Warn().Err(err).Int64("seq", output.Envelope.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionDrops.WithLabelValues("apply").Inc()
				}
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(output.Envelope.EventType.String()).
					Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

// LastSequence is the last sequence this worker projected.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Apply projects one output in a single transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, out core.CoreOutput) error {
	seq := out.Envelope.Sequence
	ts := out.Envelope.Timestamp

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if out.Market != nil {
		if err := upsertMarket(ctx, tx, out.Market, seq, ts); err != nil {
			return fmt.Errorf("market projection: %w", err)
		}
	}
	if out.LiquidityPosition != nil {
		if err := upsertLiquidityPosition(ctx, tx, out.LiquidityPosition, seq); err != nil {
			return fmt.Errorf("liquidity position projection: %w", err)
		}
	}
	if out.Position != nil {
		if err := upsertPosition(ctx, tx, out.Position, seq); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			if err := applyJournal(ctx, tx, j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(), j.Amount.String(), seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}
	if err := recordHistory(ctx, tx, out, seq, ts); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkWorker, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func upsertMarket(ctx context.Context, tx *sql.Tx, v *core.MarketView, seq int64, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.markets (
			market_id, index_price, index_price_x96, premium_rate_x96, liquidity,
			net_size, net_side, long_size, short_size, max_size,
			long_funding_growth_x96, short_funding_growth_x96,
			liquidation_fund, protocol_fee, usd_balance, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (market_id) DO UPDATE SET
			index_price = $2, index_price_x96 = $3, premium_rate_x96 = $4, liquidity = $5,
			net_size = $6, net_side = $7, long_size = $8, short_size = $9, max_size = $10,
			long_funding_growth_x96 = $11, short_funding_growth_x96 = $12,
			liquidation_fund = $13, protocol_fee = $14, usd_balance = $15,
			last_sequence = $16, updated_at = $17
		WHERE projections.markets.last_sequence < $16
	`,
		v.MarketID, fpmath.X96ToDecimal(v.IndexPriceX96).String(), v.IndexPriceX96.String(),
		v.PremiumRateX96.String(), v.Liquidity.String(),
		v.NetSize.String(), nullableSide(v.NetSide), v.LongSize.String(), v.ShortSize.String(), v.MaxSize.String(),
		v.LongFundingX96.String(), v.ShortFundingX96.String(),
		v.LiquidationFund.String(), v.ProtocolFee.String(), v.USDBalance.String(), seq, ts,
	)
	return err
}

// nullableSide maps a balanced pool's zero side to NULL.
func nullableSide(s event.Side) sql.NullString {
	if !s.Valid() {
		return sql.NullString{}
	}
	return sql.NullString{String: s.String(), Valid: true}
}

func upsertLiquidityPosition(ctx context.Context, tx *sql.Tx, v *core.LiquidityPositionView, seq int64) error {
	if v.Value == nil {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.liquidity_positions WHERE market_id = $1 AND account = $2
		`, v.MarketID, v.Account)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidity_positions
			(market_id, account, margin, liquidity, entry_unrealized_pnl_growth_x64, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id, account) DO UPDATE SET
			margin = $3, liquidity = $4, entry_unrealized_pnl_growth_x64 = $5, last_sequence = $6
	`, v.MarketID, v.Account, v.Value.Margin.String(), v.Value.Liquidity.String(),
		v.Value.EntryUnrealizedPnLGrowthX64.String(), seq)
	return err
}

func upsertPosition(ctx context.Context, tx *sql.Tx, v *core.PositionView, seq int64) error {
	if v.Value == nil {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.positions WHERE market_id = $1 AND account = $2 AND side = $3
		`, v.MarketID, v.Key.Account, v.Key.Side.String())
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(market_id, account, side, margin, size, entry_price, entry_price_x96,
			 entry_funding_growth_x96, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (market_id, account, side) DO UPDATE SET
			margin = $4, size = $5, entry_price = $6, entry_price_x96 = $7,
			entry_funding_growth_x96 = $8, last_sequence = $9
	`, v.MarketID, v.Key.Account, v.Key.Side.String(), v.Value.Margin.String(), v.Value.Size.String(),
		fpmath.X96ToDecimal(v.Value.EntryPriceX96).String(), v.Value.EntryPriceX96.String(),
		v.Value.EntryFundingRateGrowthX96.String(), seq)
	return err
}

// applyJournal moves amount from the credit account to the debit account.
func applyJournal(ctx context.Context, tx *sql.Tx, debit, credit, amount string, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2::numeric, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2::numeric, last_sequence = $3
	`, debit, amount, seq); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, -($2::numeric), $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $2::numeric, last_sequence = $3
	`, credit, amount, seq)
	return err
}

// recordHistory appends funding adjustments and liquidations.
func recordHistory(ctx context.Context, tx *sql.Tx, out core.CoreOutput, seq int64, ts time.Time) error {
	market := out.Envelope.MarketID
	switch r := out.Result.(type) {
	case state.FundingAdjustment:
		if !r.Adjusted {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.funding_history
				(sequence, market_id, funding_rate_x96, long_growth_delta_x96,
				 short_growth_delta_x96, liquidity_funding, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (sequence) DO NOTHING
		`, seq, market, r.FundingRateX96.String(), r.LongGrowthDeltaX96.String(),
			r.ShortGrowthDeltaX96.String(), r.LiquidityFunding.String(), ts); err != nil {
			return fmt.Errorf("funding history: %w", err)
		}

	case state.LiquidatePositionResult:
		op, ok := out.Op.(*event.PositionLiquidated)
		if !ok {
			return nil
		}
		return insertLiquidation(ctx, tx, liquidationRow{
			sequence:     seq,
			market:       market,
			kind:         state.LiquidationKindPosition.String(),
			account:      op.Account.String(),
			side:         op.Side.String(),
			price:        fpmath.X96ToDecimal(r.LiquidationPriceX96).String(),
			executionFee: r.ExecutionFee.String(),
			fee:          r.LiquidationFee.String(),
			fundDelta:    r.LiquidationFundDelta.String(),
			feeReceiver:  op.FeeReceiver.String(),
			ts:           ts,
		})

	case state.LiquidateLiquidityPositionResult:
		op, ok := out.Op.(*event.LiquidityPositionLiquidated)
		if !ok {
			return nil
		}
		return insertLiquidation(ctx, tx, liquidationRow{
			sequence:     seq,
			market:       market,
			kind:         state.LiquidationKindLiquidityPosition.String(),
			account:      op.Account.String(),
			price:        fpmath.X96ToDecimal(op.IndexPriceX96).String(),
			executionFee: r.LiquidationExecutionFee.String(),
			fee:          "0",
			fundDelta:    r.LiquidationFundDelta.String(),
			feeReceiver:  op.FeeReceiver.String(),
			ts:           ts,
		})
	}
	return nil
}

type liquidationRow struct {
	sequence     int64
	market       string
	kind         string
	account      string
	side         string
	price        string
	executionFee string
	fee          string
	fundDelta    string
	feeReceiver  string
	ts           time.Time
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, r liquidationRow) error {
	side := sql.NullString{String: r.side, Valid: r.side != ""}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, market_id, kind, account, side, price, execution_fee,
			 liquidation_fee, fund_delta, fee_receiver, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (sequence) DO NOTHING
	`, r.sequence, r.market, r.kind, r.account, side, r.price, r.executionFee,
		r.fee, r.fundDelta, r.feeReceiver, r.ts)
	if err != nil {
		return fmt.Errorf("liquidation history: %w", err)
	}
	return nil
}

// RebuildBalances recomputes projections.balances from the journal. The
// other projections refresh on the next operation that touches them.
func RebuildBalances(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, -amount AS delta, sequence FROM event_log.journal
		) legs
		GROUP BY account_path
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Msg("balance projection rebuilt")
	return nil
}
