package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMarket
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// Market sub-types
	SubTypeLiquidityMargin
	SubTypePositionMargin
	SubTypeProtocolFee
	SubTypeReferralFee
	SubTypeLiquidationFund
)

// AccountKey is the in-memory key for balance tracking. Every amount is in
// the single settlement token, so there is no asset dimension.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, zero for market accounts
	SubType  AccountSubType
	Market   string // empty for user accounts
}

// NewWalletAccountKey is the collaborator-side wallet of a user. Its balance
// is the net amount the market owes that user (negative: paid in).
func NewWalletAccountKey(userID uuid.UUID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeWallet,
	}
}

// NewMarketAccountKey creates a key for one of a market's pooled accounts
func NewMarketAccountKey(marketID string, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeMarket,
		SubType: subType,
		Market:  marketID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", uuid.UUID(k.EntityID), k.subTypeName())
	case AccountScopeMarket:
		return fmt.Sprintf("market:%s:%s", k.Market, k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeLiquidityMargin:
		return "liquidity_margin"
	case SubTypePositionMargin:
		return "position_margin"
	case SubTypeProtocolFee:
		return "protocol_fee"
	case SubTypeReferralFee:
		return "referral_fee"
	case SubTypeLiquidationFund:
		return "liquidation_fund"
	default:
		return "unknown"
	}
}

// less orders keys for deterministic iteration.
func (k AccountKey) less(o AccountKey) bool {
	if k.Scope != o.Scope {
		return k.Scope < o.Scope
	}
	if k.Market != o.Market {
		return k.Market < o.Market
	}
	if k.EntityID != o.EntityID {
		return string(k.EntityID[:]) < string(o.EntityID[:])
	}
	return k.SubType < o.SubType
}
