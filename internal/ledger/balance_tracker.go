package ledger

import (
	"fmt"
	"sort"

	fpmath "PerpAMM/internal/math"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	debit, err := bt.balances[j.DebitAccount].AddUint(j.Amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", j.DebitAccount.AccountPath(), err)
	}
	credit, err := bt.balances[j.CreditAccount].SubUint(j.Amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", j.CreditAccount.AccountPath(), err)
	}
	bt.balances[j.DebitAccount] = debit
	bt.balances[j.CreditAccount] = credit
	return nil
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		if err := bt.ApplyJournal(j); err != nil {
			return err
		}
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Int {
	return bt.balances[key]
}

// GetWalletBalance returns what the markets owe a user in total; negative
// means the user has paid in more than they took out.
func (bt *BalanceTracker) GetWalletBalance(userID uuid.UUID) fpmath.Int {
	return bt.GetBalance(NewWalletAccountKey(userID))
}

// GetMarketHoldings sums the pooled accounts of a market. It equals the
// market's USD balance.
func (bt *BalanceTracker) GetMarketHoldings(marketID string) (fpmath.Int, error) {
	total := fpmath.Int{}
	for _, sub := range []AccountSubType{
		SubTypeLiquidityMargin, SubTypePositionMargin, SubTypeProtocolFee,
		SubTypeReferralFee, SubTypeLiquidationFund,
	} {
		var err error
		if total, err = total.Add(bt.GetBalance(NewMarketAccountKey(marketID, sub))); err != nil {
			return fpmath.Int{}, err
		}
	}
	return total, nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() (fpmath.Int, error) {
	total := fpmath.Int{}
	for _, balance := range bt.balances {
		var err error
		if total, err = total.Add(balance); err != nil {
			return fpmath.Int{}, err
		}
	}
	return total, nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.IsNegative() {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Entry is one account balance.
type Entry struct {
	Key     AccountKey
	Balance fpmath.Int
}

// Snapshot returns all non-zero balances in key order (for state hashing)
func (bt *BalanceTracker) Snapshot() []Entry {
	out := make([]Entry, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v.IsZero() {
			continue
		}
		out = append(out, Entry{Key: k, Balance: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.less(out[j].Key) })
	return out
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(entries []Entry) {
	bt.balances = make(map[AccountKey]fpmath.Int, len(entries))
	for _, e := range entries {
		bt.balances[e.Key] = e.Balance
	}
}
