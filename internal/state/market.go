package state

import (
	"bytes"
	"maps"
	"slices"

	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"
	"PerpAMM/internal/pricing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ledgers groups every scalar ledger of a market. It holds only value types,
// so assigning it copies it completely.
type ledgers struct {
	PriceState                pricing.PriceState
	USDBalance                fpmath.Uint
	ProtocolFee               fpmath.Uint
	GlobalLiquidityPosition   GlobalLiquidityPosition
	GlobalPosition            GlobalPosition
	GlobalLiquidationFund     GlobalLiquidationFund
	PreviousGlobalFundingRate PreviousGlobalFundingRate
	GlobalFundingRateSample   GlobalFundingRateSample
	IndexPriceX96             fpmath.Uint
}

// Market owns all state of one market. It does no locking: the caller
// serializes operations. Every exported mutator is all-or-nothing.
type Market struct {
	ID     string
	Config MarketConfig

	ledgers

	ReferralFees       map[uint64]fpmath.Uint
	LiquidityPositions map[uuid.UUID]*LiquidityPosition
	Positions          map[PositionKey]*Position
}

// NewMarket creates an empty market and builds its curve at indexPriceX96.
func NewMarket(cfg MarketConfig, indexPriceX96 fpmath.Uint) (*Market, error) {
	if err := ValidateMarketConfig(&cfg); err != nil {
		return nil, err
	}
	if indexPriceX96.IsZero() {
		return nil, errors.Wrap(ErrInvalidOperation, "zero index price")
	}
	m := &Market{
		ID:                 cfg.MarketID,
		Config:             cfg,
		ReferralFees:       make(map[uint64]fpmath.Uint),
		LiquidityPositions: make(map[uuid.UUID]*LiquidityPosition),
		Positions:          make(map[PositionKey]*Position),
	}
	ps, err := pricing.InitPriceState(&m.Config.Price, fpmath.Zero(), indexPriceX96)
	if err != nil {
		return nil, err
	}
	m.PriceState = ps
	m.IndexPriceX96 = indexPriceX96
	if err := m.changeMaxSize(indexPriceX96); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateIndexPrice records a new index price and re-derives the size caps
// and unused vertices from it. The premium is not moved.
func (m *Market) UpdateIndexPrice(indexPriceX96 fpmath.Uint) (err error) {
	cp := m.checkpoint()
	defer func() {
		if err != nil {
			m.restore(cp)
		}
	}()
	return m.refreshDerived(indexPriceX96)
}

func (m *Market) refreshDerived(indexPriceX96 fpmath.Uint) error {
	if indexPriceX96.IsZero() {
		return errors.Wrap(ErrInvalidOperation, "zero index price")
	}
	m.IndexPriceX96 = indexPriceX96
	if err := m.changeMaxSize(indexPriceX96); err != nil {
		return err
	}
	return pricing.ChangePriceVertices(&m.PriceState, &m.Config.Price, m.GlobalLiquidityPosition.Liquidity, indexPriceX96)
}

// ============================================================================
// Curve access
// ============================================================================

func (m *Market) poolPosition() pricing.PoolPosition {
	l := &m.GlobalLiquidityPosition
	return pricing.PoolPosition{
		Side:                     l.Side,
		NetSize:                  l.NetSize,
		LiquidationBufferNetSize: l.LiquidationBufferNetSize,
	}
}

// trade moves the curve for a fill on side, settles LP PnL on the exposure
// held before the fill at the resulting price, then commits the new pool
// position.
func (m *Market) trade(side event.Side, size, indexPriceX96 fpmath.Uint, liquidation bool) (pricing.UpdateResult, error) {
	ps := m.PriceState
	pool := m.poolPosition()
	res, err := pricing.UpdatePriceState(&ps, &pool, pricing.UpdateParams{
		Side:          side,
		SizeDelta:     size,
		IndexPriceX96: indexPriceX96,
		Liquidation:   liquidation,
		Config:        &m.Config.Price,
		Liquidity:     m.GlobalLiquidityPosition.Liquidity,
	})
	if err != nil {
		return pricing.UpdateResult{}, err
	}
	if err := m.settleLiquidityUnrealizedPnL(res.TradePriceX96); err != nil {
		return pricing.UpdateResult{}, err
	}

	m.PriceState = ps
	l := &m.GlobalLiquidityPosition
	l.Side = pool.Side
	l.NetSize = pool.NetSize
	l.LiquidationBufferNetSize = pool.LiquidationBufferNetSize
	return res, nil
}

// decreasePrice is the price a position on side would close at right now.
func (m *Market) decreasePrice(side event.Side, indexPriceX96 fpmath.Uint) (fpmath.Uint, error) {
	return pricing.MarketPriceX96(&m.PriceState, m.GlobalLiquidityPosition.Side, side.Flip(), indexPriceX96)
}

// ============================================================================
// Checkpoint / restore
// ============================================================================

type checkpoint struct {
	ledgers      ledgers
	referralFees map[uint64]fpmath.Uint
	// Value copies of touched records; nil means the record did not exist.
	liquidityPositions map[uuid.UUID]*LiquidityPosition
	positions          map[PositionKey]*Position
}

func (m *Market) checkpoint() *checkpoint {
	return &checkpoint{
		ledgers:            m.ledgers,
		referralFees:       maps.Clone(m.ReferralFees),
		liquidityPositions: make(map[uuid.UUID]*LiquidityPosition),
		positions:          make(map[PositionKey]*Position),
	}
}

func (c *checkpoint) saveLiquidityPosition(m *Market, account uuid.UUID) {
	if _, done := c.liquidityPositions[account]; done {
		return
	}
	var saved *LiquidityPosition
	if lp := m.LiquidityPositions[account]; lp != nil {
		cp := *lp
		saved = &cp
	}
	c.liquidityPositions[account] = saved
}

func (c *checkpoint) savePosition(m *Market, key PositionKey) {
	if _, done := c.positions[key]; done {
		return
	}
	var saved *Position
	if pos := m.Positions[key]; pos != nil {
		cp := *pos
		saved = &cp
	}
	c.positions[key] = saved
}

func (m *Market) restore(c *checkpoint) {
	m.ledgers = c.ledgers
	m.ReferralFees = c.referralFees
	for account, saved := range c.liquidityPositions {
		if saved == nil {
			delete(m.LiquidityPositions, account)
			continue
		}
		cp := *saved
		m.LiquidityPositions[account] = &cp
	}
	for key, saved := range c.positions {
		if saved == nil {
			delete(m.Positions, key)
			continue
		}
		cp := *saved
		m.Positions[key] = &cp
	}
}

// ============================================================================
// Snapshot / digest
// ============================================================================

type LiquidityPositionEntry struct {
	Account uuid.UUID         `json:"account"`
	Value   LiquidityPosition `json:"value"`
}

type PositionEntry struct {
	Account uuid.UUID  `json:"account"`
	Side    event.Side `json:"side"`
	Value   Position   `json:"value"`
}

// MarketSnapshot is the JSON form of a Market. Records are sorted so equal
// markets serialize identically.
type MarketSnapshot struct {
	ID     string       `json:"id"`
	Config MarketConfig `json:"config"`

	PriceState                pricing.PriceState        `json:"price_state"`
	USDBalance                fpmath.Uint               `json:"usd_balance"`
	ProtocolFee               fpmath.Uint               `json:"protocol_fee"`
	GlobalLiquidityPosition   GlobalLiquidityPosition   `json:"global_liquidity_position"`
	GlobalPosition            GlobalPosition            `json:"global_position"`
	GlobalLiquidationFund     GlobalLiquidationFund     `json:"global_liquidation_fund"`
	PreviousGlobalFundingRate PreviousGlobalFundingRate `json:"previous_global_funding_rate"`
	GlobalFundingRateSample   GlobalFundingRateSample   `json:"global_funding_rate_sample"`
	IndexPriceX96             fpmath.Uint               `json:"index_price_x96"`

	ReferralFees       map[uint64]fpmath.Uint   `json:"referral_fees"`
	LiquidityPositions []LiquidityPositionEntry `json:"liquidity_positions"`
	Positions          []PositionEntry          `json:"positions"`
}

func (m *Market) Snapshot() *MarketSnapshot {
	s := &MarketSnapshot{
		ID:                        m.ID,
		Config:                    m.Config,
		PriceState:                m.PriceState,
		USDBalance:                m.USDBalance,
		ProtocolFee:               m.ProtocolFee,
		GlobalLiquidityPosition:   m.GlobalLiquidityPosition,
		GlobalPosition:            m.GlobalPosition,
		GlobalLiquidationFund:     m.GlobalLiquidationFund,
		PreviousGlobalFundingRate: m.PreviousGlobalFundingRate,
		GlobalFundingRateSample:   m.GlobalFundingRateSample,
		IndexPriceX96:             m.IndexPriceX96,
		ReferralFees:              maps.Clone(m.ReferralFees),
	}
	for _, account := range m.sortedLiquidityAccounts() {
		s.LiquidityPositions = append(s.LiquidityPositions, LiquidityPositionEntry{
			Account: account, Value: *m.LiquidityPositions[account],
		})
	}
	for _, key := range m.sortedPositionKeys() {
		s.Positions = append(s.Positions, PositionEntry{
			Account: key.Account, Side: key.Side, Value: *m.Positions[key],
		})
	}
	return s
}

// RestoreMarket rebuilds a Market from a snapshot.
func RestoreMarket(s *MarketSnapshot) *Market {
	m := &Market{
		ID:                 s.ID,
		Config:             s.Config,
		ReferralFees:       make(map[uint64]fpmath.Uint, len(s.ReferralFees)),
		LiquidityPositions: make(map[uuid.UUID]*LiquidityPosition, len(s.LiquidityPositions)),
		Positions:          make(map[PositionKey]*Position, len(s.Positions)),
	}
	m.ledgers = ledgers{
		PriceState:                s.PriceState,
		USDBalance:                s.USDBalance,
		ProtocolFee:               s.ProtocolFee,
		GlobalLiquidityPosition:   s.GlobalLiquidityPosition,
		GlobalPosition:            s.GlobalPosition,
		GlobalLiquidationFund:     s.GlobalLiquidationFund,
		PreviousGlobalFundingRate: s.PreviousGlobalFundingRate,
		GlobalFundingRateSample:   s.GlobalFundingRateSample,
		IndexPriceX96:             s.IndexPriceX96,
	}
	maps.Copy(m.ReferralFees, s.ReferralFees)
	for _, e := range s.LiquidityPositions {
		lp := e.Value
		m.LiquidityPositions[e.Account] = &lp
	}
	for _, e := range s.Positions {
		pos := e.Value
		m.Positions[PositionKey{Account: e.Account, Side: e.Side}] = &pos
	}
	return m
}

// Digest returns canonical bytes of the full market state for hashing.
func (m *Market) Digest() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(m.ID)))
	buf.WriteString(m.ID)

	ps := &m.PriceState
	writeUint(&buf, ps.PremiumRateX96)
	buf.Write([]byte{ps.PendingVertexIndex, ps.CurrentVertexIndex, ps.LiquidationVertexIndex})
	writeUint(&buf, ps.BasisIndexPriceX96)
	for i := range ps.Vertices {
		writeUint(&buf, ps.Vertices[i].Size)
		writeUint(&buf, ps.Vertices[i].PremiumRateX96)
		writeUint(&buf, ps.LiquidationBufferNetSizes[i])
	}

	writeUint(&buf, m.USDBalance)
	writeUint(&buf, m.ProtocolFee)

	l := &m.GlobalLiquidityPosition
	writeUint(&buf, l.NetSize)
	writeUint(&buf, l.LiquidationBufferNetSize)
	writeUint(&buf, l.PreviousSPPriceX96)
	buf.WriteByte(byte(l.Side))
	writeUint(&buf, l.Liquidity)
	writeInt(&buf, l.UnrealizedPnLGrowthX64)

	g := &m.GlobalPosition
	writeUint(&buf, g.LongSize)
	writeUint(&buf, g.ShortSize)
	writeUint(&buf, g.MaxSize)
	writeUint(&buf, g.MaxSizePerPosition)
	writeInt(&buf, g.LongFundingRateGrowthX96)
	writeInt(&buf, g.ShortFundingRateGrowthX96)

	writeInt(&buf, m.GlobalLiquidationFund.LiquidationFund)
	writeUint(&buf, m.GlobalLiquidationFund.Liquidity)
	writeInt(&buf, m.PreviousGlobalFundingRate.LongFundingRateGrowthX96)
	writeInt(&buf, m.PreviousGlobalFundingRate.ShortFundingRateGrowthX96)
	writeInt(&buf, m.GlobalFundingRateSample.CumulativePremiumRateX96)
	writeUint(&buf, fpmath.NewUint(uint64(m.GlobalFundingRateSample.LastAdjustFundingRateTime)))
	writeUint(&buf, fpmath.NewUint(uint64(m.GlobalFundingRateSample.SampleCount)))
	writeUint(&buf, m.IndexPriceX96)

	tokens := slices.Sorted(maps.Keys(m.ReferralFees))
	for _, t := range tokens {
		writeUint(&buf, fpmath.NewUint(t))
		writeUint(&buf, m.ReferralFees[t])
	}
	for _, account := range m.sortedLiquidityAccounts() {
		buf.Write(m.LiquidityPositions[account].CanonicalBytes(account))
	}
	for _, key := range m.sortedPositionKeys() {
		buf.Write(m.Positions[key].CanonicalBytes(key))
	}
	return buf.Bytes()
}

func (m *Market) sortedLiquidityAccounts() []uuid.UUID {
	accounts := slices.Collect(maps.Keys(m.LiquidityPositions))
	slices.SortFunc(accounts, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return accounts
}

func (m *Market) sortedPositionKeys() []PositionKey {
	keys := slices.Collect(maps.Keys(m.Positions))
	slices.SortFunc(keys, comparePositionKeys)
	return keys
}

func writeUint(buf *bytes.Buffer, v fpmath.Uint) {
	b := v.Bytes32()
	buf.Write(b[:])
}

// writeInt encodes a sign byte followed by the magnitude.
func writeInt(buf *bytes.Buffer, v fpmath.Int) {
	if v.IsNegative() {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeUint(buf, v.Abs())
}
