package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Amounts are settlement-token integers and X96/X64 values are raw
// fixed-point integers; both are carried as decimal strings. Prices are
// human-readable decimals.

// MarketResponse is the projected aggregate state of one market.
type MarketResponse struct {
	MarketID              string          `json:"market_id"`
	IndexPrice            decimal.Decimal `json:"index_price"`
	IndexPriceX96         string          `json:"index_price_x96"`
	PremiumRateX96        string          `json:"premium_rate_x96"`
	Liquidity             string          `json:"liquidity"`
	NetSize               string          `json:"net_size"`
	NetSide               string          `json:"net_side,omitempty"`
	LongSize              string          `json:"long_size"`
	ShortSize             string          `json:"short_size"`
	MaxSize               string          `json:"max_size"`
	LongFundingGrowthX96  string          `json:"long_funding_growth_x96"`
	ShortFundingGrowthX96 string          `json:"short_funding_growth_x96"`
	LiquidationFund       string          `json:"liquidation_fund"`
	ProtocolFee           string          `json:"protocol_fee"`
	USDBalance            string          `json:"usd_balance"`
	LastSequence          int64           `json:"last_sequence"`
	UpdatedAt             time.Time       `json:"updated_at"`
	AsOfSequence          int64           `json:"as_of_sequence"`
}

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	MarketID              string          `json:"market_id"`
	Account               uuid.UUID       `json:"account"`
	Side                  string          `json:"side"`
	Margin                string          `json:"margin"`
	Size                  string          `json:"size"`
	EntryPrice            decimal.Decimal `json:"entry_price"`
	EntryPriceX96         string          `json:"entry_price_x96"`
	EntryFundingGrowthX96 string          `json:"entry_funding_growth_x96"`
	LastSequence          int64           `json:"last_sequence"`
}

// LiquidityPositionResponse is one LP stake.
type LiquidityPositionResponse struct {
	MarketID                    string    `json:"market_id"`
	Account                     uuid.UUID `json:"account"`
	Margin                      string    `json:"margin"`
	Liquidity                   string    `json:"liquidity"`
	EntryUnrealizedPnLGrowthX64 string    `json:"entry_unrealized_pnl_growth_x64"`
	LastSequence                int64     `json:"last_sequence"`
}

// AccountResponse gathers an account's holdings in one market.
type AccountResponse struct {
	MarketID          string                     `json:"market_id"`
	Account           uuid.UUID                  `json:"account"`
	LiquidityPosition *LiquidityPositionResponse `json:"liquidity_position,omitempty"`
	Positions         []PositionResponse         `json:"positions"`
	AsOfSequence      int64                      `json:"as_of_sequence"`
}

// BalanceResponse is the net collateral flow of a wallet: positive means
// the markets owe the account.
type BalanceResponse struct {
	Account      uuid.UUID       `json:"account"`
	Balance      decimal.Decimal `json:"balance"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// FundingHistoryResponse is one funding adjustment of a market.
type FundingHistoryResponse struct {
	Sequence            int64     `json:"sequence"`
	MarketID            string    `json:"market_id"`
	FundingRateX96      string    `json:"funding_rate_x96"`
	LongGrowthDeltaX96  string    `json:"long_growth_delta_x96"`
	ShortGrowthDeltaX96 string    `json:"short_growth_delta_x96"`
	LiquidityFunding    string    `json:"liquidity_funding"`
	Timestamp           time.Time `json:"timestamp"`
}

// LiquidationResponse is one executed liquidation.
type LiquidationResponse struct {
	Sequence       int64           `json:"sequence"`
	MarketID       string          `json:"market_id"`
	Kind           string          `json:"kind"`
	Account        uuid.UUID       `json:"account"`
	Side           string          `json:"side,omitempty"`
	Price          decimal.Decimal `json:"price"`
	ExecutionFee   string          `json:"execution_fee"`
	LiquidationFee string          `json:"liquidation_fee"`
	FundDelta      string          `json:"fund_delta"`
	FeeReceiver    uuid.UUID       `json:"fee_receiver"`
	Timestamp      time.Time       `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport represents the result of an integrity check.
type IntegrityReport struct {
	IsHealthy       bool            `json:"is_healthy"`
	HashChainBreaks []int64         `json:"hash_chain_breaks,omitempty"`
	LedgerImbalance decimal.Decimal `json:"ledger_imbalance"`
	EventCount      int64           `json:"event_count"`
}
