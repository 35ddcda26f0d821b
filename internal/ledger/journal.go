package ledger

import (
	"fmt"

	fpmath "PerpAMM/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMarginDeposit JournalType = iota
	JournalTypeMarginWithdrawal
	JournalTypeExecutionFee
	JournalTypeProtocolFee
	JournalTypeReferralFee
	JournalTypeLiquidityFee
	JournalTypeRealizedPnL
	JournalTypeLiquidationFee
	JournalTypeLiquidationLoss
	JournalTypeLiquidationFund
	JournalTypeFunding
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeMarginDeposit:
		return "margin_deposit"
	case JournalTypeMarginWithdrawal:
		return "margin_withdrawal"
	case JournalTypeExecutionFee:
		return "execution_fee"
	case JournalTypeProtocolFee:
		return "protocol_fee"
	case JournalTypeReferralFee:
		return "referral_fee"
	case JournalTypeLiquidityFee:
		return "liquidity_fee"
	case JournalTypeRealizedPnL:
		return "realized_pnl"
	case JournalTypeLiquidationFee:
		return "liquidation_fee"
	case JournalTypeLiquidationLoss:
		return "liquidation_loss"
	case JournalTypeLiquidationFund:
		return "liquidation_fund"
	case JournalTypeFunding:
		return "funding"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Derived from the batch id and leg index
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        fpmath.Uint // Settlement-token amount, always positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from the credit account to the
// debit account, so every leg balances on its own and so does the batch.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
