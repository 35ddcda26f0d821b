package state

import (
	"bytes"

	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"

	"github.com/google/uuid"
)

// PositionKey identifies a trader position. An account may hold one long
// and one short position in the same market.
type PositionKey struct {
	Account uuid.UUID
	Side    event.Side
}

// Position represents a trader's leveraged position on one side of a market
type Position struct {
	Margin        fpmath.Uint `json:"margin"`
	Size          fpmath.Uint `json:"size"`
	EntryPriceX96 fpmath.Uint `json:"entry_price_x96"`
	// Snapshot of the side's global funding growth at the last settlement
	EntryFundingRateGrowthX96 fpmath.Int `json:"entry_funding_rate_growth_x96"`
}

// LiquidityPosition represents an LP's stake in the pool
type LiquidityPosition struct {
	Margin    fpmath.Uint `json:"margin"`
	Liquidity fpmath.Uint `json:"liquidity"`
	// Snapshot of GlobalLiquidityPosition.UnrealizedPnLGrowthX64 at the last settlement
	EntryUnrealizedPnLGrowthX64 fpmath.Int `json:"entry_unrealized_pnl_growth_x64"`
}

func comparePositionKeys(a, b PositionKey) int {
	if c := bytes.Compare(a.Account[:], b.Account[:]); c != 0 {
		return c
	}
	return int(a.Side) - int(b.Side)
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes(key PositionKey) []byte {
	var buf bytes.Buffer
	buf.Write(key.Account[:])
	buf.WriteByte(byte(key.Side))
	writeUint(&buf, p.Margin)
	writeUint(&buf, p.Size)
	writeUint(&buf, p.EntryPriceX96)
	writeInt(&buf, p.EntryFundingRateGrowthX96)
	return buf.Bytes()
}

// CanonicalBytes returns deterministic serialization for hashing
func (lp *LiquidityPosition) CanonicalBytes(account uuid.UUID) []byte {
	var buf bytes.Buffer
	buf.Write(account[:])
	writeUint(&buf, lp.Margin)
	writeUint(&buf, lp.Liquidity)
	writeInt(&buf, lp.EntryUnrealizedPnLGrowthX64)
	return buf.Bytes()
}
