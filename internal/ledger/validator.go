package ledger

import (
	"fmt"

	fpmath "PerpAMM/internal/math"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	total, err := v.tracker.ComputeGlobalBalance()
	if err != nil {
		return err
	}
	if !total.IsZero() {
		return fmt.Errorf("global balance is non-zero: %s", total)
	}
	return nil
}

// ValidateMarketHoldings verifies a market's pooled accounts add up to the
// balance the market state reports.
func (v *InvariantValidator) ValidateMarketHoldings(marketID string, usdBalance fpmath.Uint) error {
	holdings, err := v.tracker.GetMarketHoldings(marketID)
	if err != nil {
		return err
	}
	if holdings.CmpUint(usdBalance) != 0 {
		return fmt.Errorf("market %s holdings %s != usd balance %s", marketID, holdings, usdBalance)
	}
	return nil
}

// ValidateProtocolFee checks the protocol fee account matches the market's
// accrued protocol fee.
func (v *InvariantValidator) ValidateProtocolFee(marketID string, protocolFee fpmath.Uint) error {
	balance := v.tracker.GetBalance(NewMarketAccountKey(marketID, SubTypeProtocolFee))
	if balance.CmpUint(protocolFee) != 0 {
		return fmt.Errorf("market %s protocol fee account %s != accrued %s", marketID, balance, protocolFee)
	}
	return nil
}
