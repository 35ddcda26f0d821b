package pricing_test

import (
	"testing"

	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"
	"PerpAMM/internal/pricing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fixtures
// ============================================================================

// With liquidity 1_000_000 at index 100 the vertex sizes come out as
// 100, 200, ..., 900.
var (
	testLiquidity = fpmath.NewUint(1_000_000)
	testIndex     = x96(100)
)

func x96(v uint64) fpmath.Uint {
	p, _ := fpmath.MulDiv(fpmath.NewUint(v), fpmath.Q96, fpmath.NewUint(1))
	return p
}

func u(v uint64) fpmath.Uint { return fpmath.NewUint(v) }

func newTestConfig() *pricing.Config {
	cfg := &pricing.Config{
		MaxPriceImpactLiquidity: u(10_000_000),
		LiquidationVertexIndex:  5,
	}
	premiums := [fpmath.VertexNum]uint32{0, 0, 50, 100, 150, 200, 250, 300, 350, 400}
	for i := range cfg.Vertices {
		cfg.Vertices[i] = pricing.VertexConfig{BalanceRate: uint32(i * 100), PremiumRate: premiums[i]}
	}
	return cfg
}

func newTestCurve(t *testing.T) (*pricing.PriceState, *pricing.PoolPosition, *pricing.Config) {
	t.Helper()
	cfg := newTestConfig()
	require.NoError(t, cfg.Validate())
	ps, err := pricing.InitPriceState(cfg, testLiquidity, testIndex)
	require.NoError(t, err)
	return &ps, &pricing.PoolPosition{}, cfg
}

func trade(t *testing.T, ps *pricing.PriceState, pool *pricing.PoolPosition, cfg *pricing.Config,
	side event.Side, size uint64, liquidation bool) (pricing.UpdateResult, error) {
	t.Helper()
	return pricing.UpdatePriceState(ps, pool, pricing.UpdateParams{
		Side:          side,
		SizeDelta:     u(size),
		IndexPriceX96: testIndex,
		Liquidation:   liquidation,
		Config:        cfg,
		Liquidity:     testLiquidity,
	})
}

// ============================================================================
// Vertex table
// ============================================================================

func TestInitPriceState_VertexSizes(t *testing.T) {
	ps, _, _ := newTestCurve(t)

	for i := 0; i < fpmath.VertexNum; i++ {
		assert.Equal(t, u(uint64(i*100)).String(), ps.Vertices[i].Size.String(), "vertex %d", i)
	}
	assert.True(t, ps.Vertices[1].PremiumRateX96.IsZero(), "first segment is flat")
	assert.Equal(t, uint8(5), ps.LiquidationVertexIndex)
}

func TestChangePriceVertices_ForcesIncreasingSizes(t *testing.T) {
	cfg := newTestConfig()
	ps, err := pricing.InitPriceState(cfg, fpmath.Zero(), testIndex)
	require.NoError(t, err)

	for i := 1; i < fpmath.VertexNum; i++ {
		assert.True(t, ps.Vertices[i].Size.GT(ps.Vertices[i-1].Size), "vertex %d not increasing", i)
	}
}

func TestChangePriceVertices_KeepsOccupiedSegments(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)
	_, err := trade(t, ps, pool, cfg, event.SideLong, 250, false)
	require.NoError(t, err)
	require.Equal(t, uint8(3), ps.CurrentVertexIndex)

	before := ps.Vertices
	require.NoError(t, pricing.ChangePriceVertices(ps, cfg, u(2_000_000), testIndex))

	for i := 0; i <= 3; i++ {
		assert.Equal(t, before[i], ps.Vertices[i], "vertex %d must not move", i)
	}
	assert.Equal(t, "800", ps.Vertices[4].Size.String())
}

func TestConfigValidate(t *testing.T) {
	cfg := newTestConfig()
	cfg.LiquidationVertexIndex = 0
	assert.Error(t, cfg.Validate())

	cfg = newTestConfig()
	cfg.Vertices[4].BalanceRate = cfg.Vertices[3].BalanceRate
	assert.Error(t, cfg.Validate())

	cfg = newTestConfig()
	cfg.Vertices[4].PremiumRate = 10
	assert.Error(t, cfg.Validate())

	cfg = newTestConfig()
	cfg.Vertices[0].PremiumRate = 1
	assert.Error(t, cfg.Validate())
}

// ============================================================================
// Walks
// ============================================================================

func TestUpdatePriceState_ZeroSize(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)
	_, err := trade(t, ps, pool, cfg, event.SideLong, 0, false)
	assert.True(t, errors.Is(err, pricing.ErrInvalidOperation))
}

func TestUpdatePriceState_BalancedPoolFlatSegment(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)

	res, err := trade(t, ps, pool, cfg, event.SideLong, 50, false)
	require.NoError(t, err)

	assert.True(t, res.TradePriceX96.EQ(testIndex), "flat first segment trades at index")
	assert.Equal(t, event.SideShort, pool.Side)
	assert.Equal(t, "50", pool.NetSize.String())
	assert.Equal(t, uint8(1), ps.CurrentVertexIndex)
	assert.True(t, ps.BasisIndexPriceX96.EQ(testIndex))
}

func TestUpdatePriceState_PremiumDirection(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)

	long, err := trade(t, ps, pool, cfg, event.SideLong, 250, false)
	require.NoError(t, err)
	assert.True(t, long.TradePriceX96.GT(testIndex), "worsening long pays a premium")
	assert.False(t, ps.PremiumRateX96.IsZero())

	ps2, pool2, _ := newTestCurve(t)
	short, err := trade(t, ps2, pool2, cfg, event.SideShort, 250, false)
	require.NoError(t, err)
	assert.True(t, short.TradePriceX96.LT(testIndex), "worsening short receives a discount")
	assert.Equal(t, event.SideLong, pool2.Side)
}

func TestUpdatePriceState_MaxPremiumRateExceeded(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)
	_, err := trade(t, ps, pool, cfg, event.SideLong, 901, false)
	assert.True(t, errors.Is(err, pricing.ErrMaxPremiumRateExceeded))
}

func TestUpdatePriceState_LiquidationSpillsIntoBuffer(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)

	res, err := trade(t, ps, pool, cfg, event.SideLong, 930, true)
	require.NoError(t, err)

	assert.Equal(t, "900", res.SizeThroughCurve.String())
	assert.Equal(t, "30", res.SizeIntoBuffer.String())
	assert.Equal(t, "30", ps.LiquidationBufferNetSizes[5].String())
	assert.Equal(t, "30", pool.LiquidationBufferNetSize.String())
	assert.Equal(t, "900", pool.NetSize.String())
	assert.Equal(t, uint8(9), ps.CurrentVertexIndex)
	assert.Equal(t, uint8(9), ps.PendingVertexIndex)
}

func TestUpdatePriceState_DrainsBufferOnTheWayBack(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)
	_, err := trade(t, ps, pool, cfg, event.SideLong, 930, true)
	require.NoError(t, err)

	// 400 walks 900 -> 500, then 20 of the 30 parked at vertex 5 is repaid.
	res, err := trade(t, ps, pool, cfg, event.SideShort, 420, false)
	require.NoError(t, err)

	assert.Equal(t, "20", res.SizeFromBuffer.String())
	assert.Equal(t, "10", ps.LiquidationBufferNetSizes[5].String())
	assert.Equal(t, "10", pool.LiquidationBufferNetSize.String())
	assert.Equal(t, "500", pool.NetSize.String())
	assert.Equal(t, uint8(5), ps.CurrentVertexIndex)
	assert.Equal(t, uint8(5), ps.PendingVertexIndex)
	assert.False(t, res.Crossed)
}

func TestUpdatePriceState_CrossesBalance(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)
	_, err := trade(t, ps, pool, cfg, event.SideLong, 100, false)
	require.NoError(t, err)

	res, err := trade(t, ps, pool, cfg, event.SideShort, 150, false)
	require.NoError(t, err)

	assert.True(t, res.Crossed)
	assert.Equal(t, event.SideLong, pool.Side)
	assert.Equal(t, "50", pool.NetSize.String())
	assert.Equal(t, uint8(1), ps.CurrentVertexIndex)
}

func TestUpdatePriceState_RoundTrip(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)
	_, err := trade(t, ps, pool, cfg, event.SideLong, 150, false)
	require.NoError(t, err)

	startIndex := ps.CurrentVertexIndex
	startPremium := ps.PremiumRateX96

	_, err = trade(t, ps, pool, cfg, event.SideLong, 500, false)
	require.NoError(t, err)
	require.NotEqual(t, startIndex, ps.CurrentVertexIndex)

	_, err = trade(t, ps, pool, cfg, event.SideShort, 500, false)
	require.NoError(t, err)

	assert.Equal(t, startIndex, ps.CurrentVertexIndex)
	assert.True(t, startPremium.EQ(ps.PremiumRateX96), "premium %s != %s", ps.PremiumRateX96, startPremium)
	assert.Equal(t, "150", pool.NetSize.String())
}

func TestUpdatePriceState_FullRoundTripToBalance(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)
	_, err := trade(t, ps, pool, cfg, event.SideShort, 900, false)
	require.NoError(t, err)
	_, err = trade(t, ps, pool, cfg, event.SideLong, 900, false)
	require.NoError(t, err)

	assert.Equal(t, uint8(0), ps.CurrentVertexIndex)
	assert.True(t, ps.PremiumRateX96.IsZero())
	assert.True(t, pool.Balanced())
}

func TestUpdatePriceState_Deterministic(t *testing.T) {
	ps1, pool1, cfg := newTestCurve(t)
	ps2, pool2, _ := newTestCurve(t)

	r1, err := trade(t, ps1, pool1, cfg, event.SideLong, 777, false)
	require.NoError(t, err)
	r2, err := trade(t, ps2, pool2, cfg, event.SideLong, 777, false)
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Equal(t, *ps1, *ps2)
}

// ============================================================================
// Market price
// ============================================================================

func TestMarketPriceX96(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)

	price, err := pricing.MarketPriceX96(ps, pool.Side, event.SideLong, testIndex)
	require.NoError(t, err)
	assert.True(t, price.EQ(testIndex), "no premium on a balanced pool")

	_, err = trade(t, ps, pool, cfg, event.SideLong, 400, false)
	require.NoError(t, err)

	closeLong, err := pricing.MarketPriceX96(ps, pool.Side, event.SideShort, testIndex)
	require.NoError(t, err)
	assert.True(t, closeLong.GT(testIndex), "LPs short: market trades above index")
}

func TestUpdatePriceState_FillsFollowTheIndex(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)
	_, err := trade(t, ps, pool, cfg, event.SideLong, 400, false)
	require.NoError(t, err)
	require.True(t, ps.BasisIndexPriceX96.EQ(testIndex))

	closeAt := func(index fpmath.Uint) fpmath.Uint {
		psCopy, poolCopy := *ps, *pool
		res, err := pricing.UpdatePriceState(&psCopy, &poolCopy, pricing.UpdateParams{
			Side:          event.SideShort,
			SizeDelta:     u(50),
			IndexPriceX96: index,
			Config:        cfg,
			Liquidity:     testLiquidity,
		})
		require.NoError(t, err)
		return res.TradePriceX96
	}

	atBasis := closeAt(testIndex)
	afterMove := closeAt(x96(110))
	assert.True(t, atBasis.GT(testIndex), "LPs short: closing longs sell above index")

	// The premium is priced off the basis; the index only shifts the fill.
	markupAtBasis, err := atBasis.Sub(testIndex)
	require.NoError(t, err)
	markupAfterMove, err := afterMove.Sub(x96(110))
	require.NoError(t, err)
	assert.Equal(t, markupAtBasis.String(), markupAfterMove.String())

	market, err := pricing.MarketPriceX96(ps, pool.Side, event.SideShort, x96(110))
	require.NoError(t, err)
	assert.True(t, market.GT(x96(110)))
}

func TestMarketPriceX96_DiscountBeyondIndexFails(t *testing.T) {
	ps, pool, cfg := newTestCurve(t)
	_, err := trade(t, ps, pool, cfg, event.SideShort, 400, false)
	require.NoError(t, err)

	// basis 100 with a 1% discount cannot be taken off an index of 0.5.
	half, err := fpmath.MulDiv(fpmath.Q96, u(1), u(2))
	require.NoError(t, err)
	_, err = pricing.MarketPriceX96(ps, pool.Side, event.SideLong, half)
	assert.True(t, errors.Is(err, pricing.ErrInvalidOperation))
}
