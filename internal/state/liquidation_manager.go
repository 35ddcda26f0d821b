package state

import (
	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"

	"github.com/google/uuid"
)

type LiquidationKind uint8

const (
	LiquidationKindLiquidityPosition LiquidationKind = iota + 1
	LiquidationKindPosition
)

func (k LiquidationKind) String() string {
	switch k {
	case LiquidationKindLiquidityPosition:
		return "liquidity_position"
	case LiquidationKindPosition:
		return "position"
	default:
		return "unknown"
	}
}

// LiquidationCandidate names a record that a liquidation would currently
// succeed on. Side is zero for liquidity positions.
type LiquidationCandidate struct {
	Kind    LiquidationKind
	Account uuid.UUID
	Side    event.Side
}

// FindLiquidatable lists every LP stake and position that is at or below
// maintenance at indexPriceX96. LP stakes come first, each group in account
// order. Nothing is mutated.
func (m *Market) FindLiquidatable(indexPriceX96 fpmath.Uint) ([]LiquidationCandidate, error) {
	var out []LiquidationCandidate
	base := &m.Config.Base

	for _, account := range m.sortedLiquidityAccounts() {
		lp := m.LiquidityPositions[account]
		realized, err := CalculateRealizedPnL(&m.GlobalLiquidityPosition, lp)
		if err != nil {
			return nil, err
		}
		margin, err := lp.Margin.ToInt().Add(realized)
		if err != nil {
			return nil, err
		}
		if ValidateLiquidityPositionRiskRate(base, margin, lp.Liquidity, true) == nil {
			out = append(out, LiquidationCandidate{Kind: LiquidationKindLiquidityPosition, Account: account})
		}
	}

	for _, key := range m.sortedPositionKeys() {
		pos := m.Positions[key]
		fundingFee, err := m.positionFundingFee(key.Side, pos)
		if err != nil {
			return nil, err
		}
		if m.validatePositionLiquidatable(key.Side, pos, fundingFee, indexPriceX96) == nil {
			out = append(out, LiquidationCandidate{Kind: LiquidationKindPosition, Account: key.Account, Side: key.Side})
		}
	}
	return out, nil
}
