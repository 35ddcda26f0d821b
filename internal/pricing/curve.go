package pricing

import (
	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"

	"github.com/pkg/errors"
)

// PoolPosition is the curve's view of the global liquidity position: the
// side LPs are net on and how much of that exposure sits on the curve versus
// in liquidation buffers.
type PoolPosition struct {
	Side                     event.Side
	NetSize                  fpmath.Uint
	LiquidationBufferNetSize fpmath.Uint
}

// Balanced reports whether LPs hold no net exposure.
func (p *PoolPosition) Balanced() bool {
	return p.NetSize.Or(p.LiquidationBufferNetSize).IsZero()
}

// UpdateParams describes one trade against the pool. Side is the trader's
// side of the fill.
type UpdateParams struct {
	Side          event.Side
	SizeDelta     fpmath.Uint
	IndexPriceX96 fpmath.Uint
	Liquidation   bool

	// Config and Liquidity are needed to refresh vertices the pool receded
	// from.
	Config    *Config
	Liquidity fpmath.Uint
}

type UpdateResult struct {
	TradePriceX96    fpmath.Uint
	SizeThroughCurve fpmath.Uint
	SizeIntoBuffer   fpmath.Uint
	SizeFromBuffer   fpmath.Uint
	Crossed          bool
}

// UpdatePriceState walks the premium curve for one trade, mutating ps and
// pool in place, and returns the size-weighted trade price. Callers that
// need rollback must pass copies.
func UpdatePriceState(ps *PriceState, pool *PoolPosition, p UpdateParams) (UpdateResult, error) {
	if p.SizeDelta.IsZero() {
		return UpdateResult{}, errors.Wrap(ErrInvalidOperation, "zero size delta")
	}
	if !p.Side.Valid() {
		return UpdateResult{}, errors.Wrapf(ErrInvalidOperation, "invalid side %d", p.Side)
	}
	if p.Config == nil {
		return UpdateResult{}, errors.Wrap(ErrInvalidOperation, "missing price config")
	}

	w := &walker{ps: ps, pool: pool, p: p, sizeLeft: p.SizeDelta}

	improve := p.Side == pool.Side && !pool.Balanced()
	if improve {
		if err := w.walkBackward(); err != nil {
			return UpdateResult{}, err
		}
		if !w.sizeLeft.IsZero() {
			if err := w.refreshReceded(); err != nil {
				return UpdateResult{}, err
			}
			w.reset()
			w.res.Crossed = true
		}
	} else if pool.Balanced() {
		w.reset()
	}

	if !w.sizeLeft.IsZero() {
		if err := w.walkForward(); err != nil {
			return UpdateResult{}, err
		}
	}
	if err := w.refreshReceded(); err != nil {
		return UpdateResult{}, err
	}

	var err error
	if p.Side.IsLong() {
		w.res.TradePriceX96, err = fpmath.CeilDiv(w.acc, p.SizeDelta)
	} else {
		w.res.TradePriceX96, err = w.acc.Div(p.SizeDelta)
	}
	if err != nil {
		return UpdateResult{}, err
	}
	return w.res, nil
}

type walker struct {
	ps   *PriceState
	pool *PoolPosition
	p    UpdateParams

	sizeLeft fpmath.Uint
	// Σ price·size over every fill leg.
	acc fpmath.Uint
	res UpdateResult
}

// reset moves the curve origin to the current index price with LPs taking
// the other side of the incoming trade.
func (w *walker) reset() {
	w.ps.BasisIndexPriceX96 = w.p.IndexPriceX96
	w.ps.CurrentVertexIndex = 0
	w.ps.PremiumRateX96 = fpmath.Zero()
	w.pool.Side = w.p.Side.Flip()
}

func (w *walker) walkForward() error {
	ps := w.ps
	for i := max(ps.CurrentVertexIndex, 1); i < fpmath.VertexNum; i++ {
		mv, err := simulateMove(moveStep{
			side:      w.p.Side,
			poolShort: w.pool.Side == event.SideShort,
			sizeLeft:  w.sizeLeft,
			index:     w.p.IndexPriceX96,
			basis:     ps.BasisIndexPriceX96,
			lo:        ps.Vertices[i-1],
			hi:        ps.Vertices[i],
			current:   w.pool.NetSize,
			premium:   ps.PremiumRateX96,
		})
		if err != nil {
			return err
		}
		if err := w.fill(mv.priceX96, mv.sizeUsed); err != nil {
			return err
		}
		if w.pool.NetSize, err = w.pool.NetSize.Add(mv.sizeUsed); err != nil {
			return err
		}
		if w.res.SizeThroughCurve, err = w.res.SizeThroughCurve.Add(mv.sizeUsed); err != nil {
			return err
		}
		ps.PremiumRateX96 = mv.premiumAfter
		ps.CurrentVertexIndex = i

		if !mv.reached || w.sizeLeft.IsZero() {
			break
		}
		if i+1 < fpmath.VertexNum {
			ps.CurrentVertexIndex = i + 1
		}
	}
	ps.PendingVertexIndex = max(ps.PendingVertexIndex, ps.CurrentVertexIndex)

	if w.sizeLeft.IsZero() {
		return nil
	}
	if !w.p.Liquidation {
		return errors.Wrapf(ErrMaxPremiumRateExceeded, "%s size left past last vertex", w.sizeLeft)
	}

	// Liquidations always complete: the remainder is parked at the
	// liquidation vertex's fixed premium.
	l := ps.LiquidationVertexIndex
	price, err := segmentPrice(w.p.IndexPriceX96, ps.BasisIndexPriceX96, ps.Vertices[l].PremiumRateX96, ps.Vertices[l].PremiumRateX96,
		w.pool.Side == event.SideShort, w.p.Side.IsLong())
	if err != nil {
		return err
	}
	left := w.sizeLeft
	if err := w.fill(price, left); err != nil {
		return err
	}
	if ps.LiquidationBufferNetSizes[l], err = ps.LiquidationBufferNetSizes[l].Add(left); err != nil {
		return err
	}
	if w.pool.LiquidationBufferNetSize, err = w.pool.LiquidationBufferNetSize.Add(left); err != nil {
		return err
	}
	w.res.SizeIntoBuffer = left
	return nil
}

func (w *walker) walkBackward() error {
	ps := w.ps
	for i := int(ps.CurrentVertexIndex); i >= 0; i-- {
		if err := w.drainBuffer(i); err != nil {
			return err
		}
		if w.sizeLeft.IsZero() || i == 0 {
			return nil
		}

		mv, err := simulateMove(moveStep{
			side:      w.p.Side,
			poolShort: w.pool.Side == event.SideShort,
			sizeLeft:  w.sizeLeft,
			index:     w.p.IndexPriceX96,
			basis:     ps.BasisIndexPriceX96,
			improve:   true,
			lo:        ps.Vertices[i-1],
			hi:        ps.Vertices[i],
			current:   w.pool.NetSize,
			premium:   ps.PremiumRateX96,
		})
		if err != nil {
			return err
		}
		if err := w.fill(mv.priceX96, mv.sizeUsed); err != nil {
			return err
		}
		if w.pool.NetSize, err = w.pool.NetSize.Sub(mv.sizeUsed); err != nil {
			return err
		}
		if w.res.SizeThroughCurve, err = w.res.SizeThroughCurve.Add(mv.sizeUsed); err != nil {
			return err
		}
		ps.PremiumRateX96 = mv.premiumAfter

		if !mv.reached {
			return nil
		}
		ps.CurrentVertexIndex = uint8(i - 1)
		if w.sizeLeft.IsZero() {
			return nil
		}
	}
	return nil
}

// drainBuffer repays liquidation-buffer size parked at vertex i at the
// current premium.
func (w *walker) drainBuffer(i int) error {
	buf := w.ps.LiquidationBufferNetSizes[i]
	if buf.IsZero() || w.sizeLeft.IsZero() {
		return nil
	}
	amount := fpmath.Min(buf, w.sizeLeft)
	price, err := segmentPrice(w.p.IndexPriceX96, w.ps.BasisIndexPriceX96, w.ps.PremiumRateX96, w.ps.PremiumRateX96,
		w.pool.Side == event.SideShort, w.p.Side.IsLong())
	if err != nil {
		return err
	}
	if err := w.fill(price, amount); err != nil {
		return err
	}
	w.ps.LiquidationBufferNetSizes[i], _ = buf.Sub(amount)
	if w.pool.LiquidationBufferNetSize, err = w.pool.LiquidationBufferNetSize.Sub(amount); err != nil {
		return err
	}
	w.res.SizeFromBuffer, err = w.res.SizeFromBuffer.Add(amount)
	return err
}

// refreshReceded recomputes the vertices above the current one once the
// pool has walked back below the furthest vertex it had reached.
func (w *walker) refreshReceded() error {
	if w.ps.CurrentVertexIndex >= w.ps.PendingVertexIndex {
		return nil
	}
	w.ps.PendingVertexIndex = w.ps.CurrentVertexIndex
	return ChangePriceVertices(w.ps, w.p.Config, w.p.Liquidity, w.p.IndexPriceX96)
}

func (w *walker) fill(priceX96, size fpmath.Uint) error {
	if size.IsZero() {
		return nil
	}
	notional, err := priceX96.Mul(size)
	if err != nil {
		return err
	}
	if w.acc, err = w.acc.Add(notional); err != nil {
		return err
	}
	w.sizeLeft, err = w.sizeLeft.Sub(size)
	return err
}

type moveStep struct {
	side      event.Side
	poolShort bool
	sizeLeft  fpmath.Uint
	index     fpmath.Uint
	basis     fpmath.Uint
	improve   bool
	// lo.Size < hi.Size; the walk heads to hi when worsening, lo when improving.
	lo, hi  PriceVertex
	current fpmath.Uint
	premium fpmath.Uint
}

type moveResult struct {
	sizeUsed     fpmath.Uint
	reached      bool
	premiumAfter fpmath.Uint
	priceX96     fpmath.Uint
}

func simulateMove(s moveStep) (moveResult, error) {
	var (
		to       PriceVertex
		sizeCost fpmath.Uint
		err      error
	)
	if s.improve {
		to = s.lo
		sizeCost, err = s.current.Sub(s.lo.Size)
	} else {
		to = s.hi
		sizeCost, err = s.hi.Size.Sub(s.current)
	}
	if err != nil {
		return moveResult{}, errors.Wrap(err, "pool size outside current segment")
	}

	mv := moveResult{reached: s.sizeLeft.GTE(sizeCost)}
	if mv.reached {
		mv.sizeUsed = sizeCost
		mv.premiumAfter = to.PremiumRateX96
	} else {
		mv.sizeUsed = s.sizeLeft
		var x fpmath.Uint
		if s.improve {
			x, err = s.current.Sub(mv.sizeUsed)
		} else {
			x, err = s.current.Add(mv.sizeUsed)
		}
		if err != nil {
			return moveResult{}, err
		}
		if mv.premiumAfter, err = interpolate(s.lo, s.hi, x); err != nil {
			return moveResult{}, err
		}
	}

	mv.priceX96, err = segmentPrice(s.index, s.basis, s.premium, mv.premiumAfter, s.poolShort, s.side.IsLong())
	return mv, err
}

// interpolate returns the premium at x on the segment, floored. It is always
// evaluated from lo so the same x yields the same premium in both
// directions.
func interpolate(lo, hi PriceVertex, x fpmath.Uint) (fpmath.Uint, error) {
	dp, err := hi.PremiumRateX96.Sub(lo.PremiumRateX96)
	if err != nil {
		return fpmath.Zero(), err
	}
	ds, err := hi.Size.Sub(lo.Size)
	if err != nil {
		return fpmath.Zero(), err
	}
	dx, err := x.Sub(lo.Size)
	if err != nil {
		return fpmath.Zero(), err
	}
	step, err := fpmath.MulDiv(dp, dx, ds)
	if err != nil {
		return fpmath.Zero(), err
	}
	return lo.PremiumRateX96.Add(step)
}

// segmentPrice prices a fill between two premiums at their midpoint:
// index ± basis·(before+after)/(2·Q96). The premium is added while LPs are
// net short.
func segmentPrice(index, basis, before, after fpmath.Uint, poolShort, long bool) (fpmath.Uint, error) {
	sum, err := before.Add(after)
	if err != nil {
		return fpmath.Zero(), err
	}
	twoQ96, _ := fpmath.Q96.Add(fpmath.Q96)
	return premiumPrice(index, basis, sum, twoQ96, poolShort, long)
}

// premiumPrice offsets index by basis·premium/scale, rounded so that longs
// never pay less and shorts never receive more than the exact price.
func premiumPrice(index, basis, premium, scale fpmath.Uint, poolShort, long bool) (fpmath.Uint, error) {
	down, up, err := fpmath.MulDiv2(basis, premium, scale)
	if err != nil {
		return fpmath.Zero(), err
	}
	if poolShort {
		if long {
			return index.Add(up)
		}
		return index.Add(down)
	}
	offset := up
	if long {
		offset = down
	}
	price, err := index.Sub(offset)
	if err != nil {
		return fpmath.Zero(), errors.Wrap(ErrInvalidOperation, "premium discount exceeds index price")
	}
	return price, nil
}
