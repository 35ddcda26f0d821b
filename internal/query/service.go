package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"PerpAMM/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when the projection has no such row.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to projection tables. Responses
// carry as_of_sequence, the projection watermark they were read at.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetMarket returns the projected aggregate state of a market.
func (qs *QueryService) GetMarket(ctx context.Context, marketID string) (*MarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		m       MarketResponse
		netSide sql.NullString
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT market_id, index_price, index_price_x96::text, premium_rate_x96::text, liquidity::text,
		       net_size::text, net_side, long_size::text, short_size::text, max_size::text,
		       long_funding_growth_x96::text, short_funding_growth_x96::text,
		       liquidation_fund::text, protocol_fee::text, usd_balance::text, last_sequence, updated_at
		FROM projections.markets
		WHERE market_id = $1
	`, marketID).Scan(
		&m.MarketID, &m.IndexPrice, &m.IndexPriceX96, &m.PremiumRateX96, &m.Liquidity,
		&m.NetSize, &netSide, &m.LongSize, &m.ShortSize, &m.MaxSize,
		&m.LongFundingGrowthX96, &m.ShortFundingGrowthX96,
		&m.LiquidationFund, &m.ProtocolFee, &m.USDBalance, &m.LastSequence, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m.NetSide = netSide.String
	m.AsOfSequence = asOfSeq
	return &m, nil
}

// GetAccount returns an account's LP stake and positions in one market.
// An account with neither yields ErrNotFound.
func (qs *QueryService) GetAccount(ctx context.Context, marketID string, account uuid.UUID) (*AccountResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &AccountResponse{
		MarketID:     marketID,
		Account:      account,
		Positions:    []PositionResponse{},
		AsOfSequence: asOfSeq,
	}

	lp := LiquidityPositionResponse{MarketID: marketID, Account: account}
	err = qs.db.QueryRowContext(ctx, `
		SELECT margin::text, liquidity::text, entry_unrealized_pnl_growth_x64::text, last_sequence
		FROM projections.liquidity_positions
		WHERE market_id = $1 AND account = $2
	`, marketID, account).Scan(&lp.Margin, &lp.Liquidity, &lp.EntryUnrealizedPnLGrowthX64, &lp.LastSequence)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, err
	default:
		resp.LiquidityPosition = &lp
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT side, margin::text, size::text, entry_price, entry_price_x96::text,
		       entry_funding_growth_x96::text, last_sequence
		FROM projections.positions
		WHERE market_id = $1 AND account = $2
		ORDER BY side
	`, marketID, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p := PositionResponse{MarketID: marketID, Account: account}
		if err := rows.Scan(
			&p.Side, &p.Margin, &p.Size, &p.EntryPrice, &p.EntryPriceX96,
			&p.EntryFundingGrowthX96, &p.LastSequence,
		); err != nil {
			return nil, err
		}
		resp.Positions = append(resp.Positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if resp.LiquidityPosition == nil && len(resp.Positions) == 0 {
		return nil, fmt.Errorf("account %s in %s: %w", account, marketID, ErrNotFound)
	}
	return resp, nil
}

// GetBalance returns the projected wallet balance of an account.
func (qs *QueryService) GetBalance(ctx context.Context, account uuid.UUID) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	balance := decimal.Zero
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances WHERE account_path = $1
	`, ledger.NewWalletAccountKey(account).AccountPath()).Scan(&balance)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	return &BalanceResponse{
		Account:      account,
		Balance:      balance,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetFundingHistory returns a market's funding adjustments, newest first.
// beforeSequence, when positive, pages backwards.
func (qs *QueryService) GetFundingHistory(ctx context.Context, marketID string, limit int, beforeSequence int64) ([]FundingHistoryResponse, error) {
	query := `
		SELECT sequence, market_id, funding_rate_x96::text, long_growth_delta_x96::text,
		       short_growth_delta_x96::text, liquidity_funding::text, timestamp
		FROM projections.funding_history
		WHERE market_id = $1
	`
	args := []interface{}{marketID}
	query, args = page(query, args, limit, beforeSequence)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []FundingHistoryResponse{}
	for rows.Next() {
		var h FundingHistoryResponse
		if err := rows.Scan(
			&h.Sequence, &h.MarketID, &h.FundingRateX96, &h.LongGrowthDeltaX96,
			&h.ShortGrowthDeltaX96, &h.LiquidityFunding, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetLiquidationHistory returns a market's liquidations, newest first.
func (qs *QueryService) GetLiquidationHistory(ctx context.Context, marketID string, limit int, beforeSequence int64) ([]LiquidationResponse, error) {
	query := `
		SELECT sequence, market_id, kind, account, side, price, execution_fee::text,
		       liquidation_fee::text, fund_delta::text, fee_receiver, timestamp
		FROM projections.liquidation_history
		WHERE market_id = $1
	`
	args := []interface{}{marketID}
	query, args = page(query, args, limit, beforeSequence)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []LiquidationResponse{}
	for rows.Next() {
		var (
			r    LiquidationResponse
			side sql.NullString
		)
		if err := rows.Scan(
			&r.Sequence, &r.MarketID, &r.Kind, &r.Account, &side, &r.Price,
			&r.ExecutionFee, &r.LiquidationFee, &r.FundDelta, &r.FeeReceiver, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		r.Side = side.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetJournalHistory returns the journal entries touching an account's
// wallet, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, account uuid.UUID, limit int, beforeSequence int64) ([]JournalHistoryEntry, error) {
	path := ledger.NewWalletAccountKey(account).AccountPath()

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{path}
	query, args = page(query, args, limit, beforeSequence)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that
// the journal nets to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.events`).Scan(&report.EventCount); err != nil {
		return nil, err
	}

	// Each journal moves one amount between two accounts, so the projected
	// balances must sum to zero.
	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM projections.balances
	`).Scan(&report.LedgerImbalance); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.LedgerImbalance.IsZero()
	return report, nil
}

// --- helpers ---

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// page appends keyset pagination on sequence.
func page(query string, args []interface{}, limit int, beforeSequence int64) (string, []interface{}) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if beforeSequence > 0 {
		args = append(args, beforeSequence)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args))
	return query, args
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
