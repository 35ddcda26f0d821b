package pricing

import (
	"fmt"

	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"
)

// PriceVertex is a breakpoint on the premium curve. Size is the pool net
// size at which PremiumRateX96 applies.
type PriceVertex struct {
	Size           fpmath.Uint `json:"size"`
	PremiumRateX96 fpmath.Uint `json:"premium_rate_x96"`
}

// PriceState is the mutable curve position of one market.
type PriceState struct {
	PremiumRateX96         fpmath.Uint `json:"premium_rate_x96"`
	PendingVertexIndex     uint8       `json:"pending_vertex_index"`
	CurrentVertexIndex     uint8       `json:"current_vertex_index"`
	LiquidationVertexIndex uint8       `json:"liquidation_vertex_index"`
	BasisIndexPriceX96     fpmath.Uint `json:"basis_index_price_x96"`

	Vertices                  [fpmath.VertexNum]PriceVertex `json:"vertices"`
	LiquidationBufferNetSizes [fpmath.VertexNum]fpmath.Uint `json:"liquidation_buffer_net_sizes"`
}

// VertexConfig describes a vertex relative to pool liquidity. Both rates are
// in basis points.
type VertexConfig struct {
	BalanceRate uint32 `json:"balance_rate" yaml:"balance_rate"`
	PremiumRate uint32 `json:"premium_rate" yaml:"premium_rate"`
}

// Config is the price-impact part of a market's configuration.
type Config struct {
	MaxPriceImpactLiquidity fpmath.Uint                    `json:"max_price_impact_liquidity"`
	LiquidationVertexIndex  uint8                          `json:"liquidation_vertex_index"`
	Vertices                [fpmath.VertexNum]VertexConfig `json:"vertices"`
}

// Validate checks the vertex table shape. Premium rates may repeat so a
// market can offer a flat, premium-free first segment.
func (c *Config) Validate() error {
	if c.LiquidationVertexIndex < 1 || c.LiquidationVertexIndex >= fpmath.VertexNum {
		return fmt.Errorf("liquidation_vertex_index must be in [1, %d], got %d",
			fpmath.VertexNum-1, c.LiquidationVertexIndex)
	}
	if c.Vertices[0].BalanceRate != 0 || c.Vertices[0].PremiumRate != 0 {
		return fmt.Errorf("vertex 0 must be (0, 0), got (%d, %d)",
			c.Vertices[0].BalanceRate, c.Vertices[0].PremiumRate)
	}
	for i := 1; i < fpmath.VertexNum; i++ {
		prev, cur := c.Vertices[i-1], c.Vertices[i]
		if cur.BalanceRate <= prev.BalanceRate {
			return fmt.Errorf("vertex %d balance_rate must be > %d, got %d", i, prev.BalanceRate, cur.BalanceRate)
		}
		if cur.PremiumRate < prev.PremiumRate {
			return fmt.Errorf("vertex %d premium_rate must be >= %d, got %d", i, prev.PremiumRate, cur.PremiumRate)
		}
		if cur.BalanceRate > fpmath.BasisPointsDivisor || cur.PremiumRate > fpmath.BasisPointsDivisor {
			return fmt.Errorf("vertex %d rates must be <= %d", i, fpmath.BasisPointsDivisor)
		}
	}
	return nil
}

// InitPriceState builds the curve for a freshly created market.
func InitPriceState(cfg *Config, liquidity, indexPriceX96 fpmath.Uint) (PriceState, error) {
	ps := PriceState{
		LiquidationVertexIndex: cfg.LiquidationVertexIndex,
		BasisIndexPriceX96:     indexPriceX96,
	}
	if err := ChangePriceVertices(&ps, cfg, liquidity, indexPriceX96); err != nil {
		return PriceState{}, err
	}
	return ps, nil
}

// ChangePriceVertices recomputes every vertex strictly above the furthest
// vertex in use, so segments the pool currently occupies never move.
func ChangePriceVertices(ps *PriceState, cfg *Config, liquidity, indexPriceX96 fpmath.Uint) error {
	if indexPriceX96.IsZero() {
		return fmt.Errorf("change price vertices: %w", fpmath.ErrDivideByZero)
	}
	ps.LiquidationVertexIndex = cfg.LiquidationVertexIndex

	start := max(ps.CurrentVertexIndex, ps.PendingVertexIndex) + 1
	liquidityCap := fpmath.Min(liquidity, cfg.MaxPriceImpactLiquidity)
	denominator, err := fpmath.BasisPoints.Mul(indexPriceX96)
	if err != nil {
		return err
	}

	for i := int(start); i < fpmath.VertexNum; i++ {
		vc := cfg.Vertices[i]
		scaled, err := liquidityCap.Mul(fpmath.NewUint(uint64(vc.BalanceRate)))
		if err != nil {
			return err
		}
		size, err := fpmath.MulDiv(scaled, fpmath.Q96, denominator)
		if err != nil {
			return err
		}
		premium, err := fpmath.MulDiv(fpmath.NewUint(uint64(vc.PremiumRate)), fpmath.Q96, fpmath.BasisPoints)
		if err != nil {
			return err
		}

		// Sizes must stay strictly increasing or the interpolation divides by zero.
		if prev := ps.Vertices[i-1].Size; size.LTE(prev) {
			if size, err = prev.Add(fpmath.NewUint(1)); err != nil {
				return err
			}
		}
		ps.Vertices[i] = PriceVertex{Size: size, PremiumRateX96: premium}
	}
	return nil
}

// MarketPriceX96 is the price a trade on side would see at the current
// premium without moving the curve: index ± basis·premium. Longs round up,
// shorts round down.
func MarketPriceX96(ps *PriceState, poolSide, side event.Side, indexPriceX96 fpmath.Uint) (fpmath.Uint, error) {
	if ps.PremiumRateX96.IsZero() {
		return indexPriceX96, nil
	}
	return premiumPrice(indexPriceX96, ps.BasisIndexPriceX96, ps.PremiumRateX96, fpmath.Q96,
		poolSide == event.SideShort, side.IsLong())
}
