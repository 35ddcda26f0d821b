package state

import (
	"fmt"
	"os"
	"sort"

	fpmath "PerpAMM/internal/math"
	"PerpAMM/internal/pricing"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// MarketBaseConfig holds the risk parameters of a market. Rates are in basis
// points; margins and fees are in settlement-token units.
type MarketBaseConfig struct {
	MinMarginPerLiquidityPosition          fpmath.Uint `json:"min_margin_per_liquidity_position"`
	MaxLeveragePerLiquidityPosition        uint32      `json:"max_leverage_per_liquidity_position"`
	LiquidationFeeRatePerLiquidityPosition uint32      `json:"liquidation_fee_rate_per_liquidity_position"`

	MinMarginPerPosition          fpmath.Uint `json:"min_margin_per_position"`
	MaxLeveragePerPosition        uint32      `json:"max_leverage_per_position"`
	LiquidationFeeRatePerPosition uint32      `json:"liquidation_fee_rate_per_position"`

	MaxPositionLiquidity   fpmath.Uint `json:"max_position_liquidity"`
	MaxPositionValueRate   uint32      `json:"max_position_value_rate"`
	MaxSizeRatePerPosition uint32      `json:"max_size_rate_per_position"`

	LiquidationExecutionFee fpmath.Uint `json:"liquidation_execution_fee"`
	InterestRate            uint32      `json:"interest_rate"`
	MaxFundingRate          uint32      `json:"max_funding_rate"`
}

// MarketFeeRateConfig splits each trading fee. Return and protocol rates are
// fractions of the fee, not of notional.
type MarketFeeRateConfig struct {
	TradingFeeRate              uint32 `json:"trading_fee_rate"`
	ProtocolFeeRate             uint32 `json:"protocol_fee_rate"`
	ReferralReturnFeeRate       uint32 `json:"referral_return_fee_rate"`
	ReferralParentReturnFeeRate uint32 `json:"referral_parent_return_fee_rate"`
	ReferralDiscountRate        uint32 `json:"referral_discount_rate"`
}

// MarketConfig is the full, read-only configuration of one market.
type MarketConfig struct {
	MarketID string              `json:"market_id"`
	Base     MarketBaseConfig    `json:"base"`
	Fee      MarketFeeRateConfig `json:"fee"`
	Price    pricing.Config      `json:"price"`
}

// Rates returns the notional-relative rates as fractions, keyed by config
// name.
func (c *MarketConfig) Rates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"trading_fee_rate":                            fpmath.BasisPointsToDecimal(c.Fee.TradingFeeRate),
		"liquidation_fee_rate_per_position":           fpmath.BasisPointsToDecimal(c.Base.LiquidationFeeRatePerPosition),
		"liquidation_fee_rate_per_liquidity_position": fpmath.BasisPointsToDecimal(c.Base.LiquidationFeeRatePerLiquidityPosition),
		"interest_rate":                               fpmath.BasisPointsToDecimal(c.Base.InterestRate),
		"max_funding_rate":                            fpmath.BasisPointsToDecimal(c.Base.MaxFundingRate),
	}
}

// ValidateMarketConfig checks that a configuration is internally consistent.
func ValidateMarketConfig(cfg *MarketConfig) error {
	if cfg.MarketID == "" {
		return fmt.Errorf("market_id must not be empty")
	}
	b := &cfg.Base
	if b.MaxLeveragePerLiquidityPosition == 0 {
		return fmt.Errorf("max_leverage_per_liquidity_position must be > 0")
	}
	if b.MaxLeveragePerPosition == 0 {
		return fmt.Errorf("max_leverage_per_position must be > 0")
	}
	for name, rate := range map[string]uint32{
		"liquidation_fee_rate_per_liquidity_position": b.LiquidationFeeRatePerLiquidityPosition,
		"liquidation_fee_rate_per_position":           b.LiquidationFeeRatePerPosition,
		"max_size_rate_per_position":                  b.MaxSizeRatePerPosition,
		"interest_rate":                               b.InterestRate,
		"max_funding_rate":                            b.MaxFundingRate,
		"trading_fee_rate":                            cfg.Fee.TradingFeeRate,
		"referral_discount_rate":                      cfg.Fee.ReferralDiscountRate,
	} {
		if rate > fpmath.BasisPointsDivisor {
			return fmt.Errorf("%s must be <= %d, got %d", name, fpmath.BasisPointsDivisor, rate)
		}
	}
	if b.MaxPositionValueRate == 0 {
		return fmt.Errorf("max_position_value_rate must be > 0")
	}
	if b.MaxSizeRatePerPosition == 0 {
		return fmt.Errorf("max_size_rate_per_position must be > 0")
	}
	shares := uint64(cfg.Fee.ProtocolFeeRate) + uint64(cfg.Fee.ReferralReturnFeeRate) +
		uint64(cfg.Fee.ReferralParentReturnFeeRate)
	if shares > fpmath.BasisPointsDivisor {
		return fmt.Errorf("fee shares must sum to <= %d, got %d", fpmath.BasisPointsDivisor, shares)
	}
	if err := cfg.Price.Validate(); err != nil {
		return fmt.Errorf("price config: %w", err)
	}
	return nil
}

// MarketConfigManager holds the configuration of every known market.
type MarketConfigManager struct {
	configs map[string]*MarketConfig
}

func NewMarketConfigManager() *MarketConfigManager {
	return &MarketConfigManager{
		configs: make(map[string]*MarketConfig),
	}
}

func (m *MarketConfigManager) GetMarketConfig(marketID string) (*MarketConfig, bool) {
	cfg, ok := m.configs[marketID]
	return cfg, ok
}

// MarketIDs returns every configured market, sorted.
func (m *MarketConfigManager) MarketIDs() []string {
	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *MarketConfigManager) UpdateMarketConfig(cfg *MarketConfig) error {
	if err := ValidateMarketConfig(cfg); err != nil {
		return fmt.Errorf("invalid market config for %s: %w", cfg.MarketID, err)
	}
	m.configs[cfg.MarketID] = cfg
	return nil
}

// ============================================================================
// YAML loading
// ============================================================================

// Amounts are written as decimal strings ("1e6", "250000") so operators can
// use large values without YAML float rounding.
type marketsFile struct {
	Markets []marketEntry `yaml:"markets"`
}

type marketEntry struct {
	ID   string `yaml:"id"`
	Base struct {
		MinMarginPerLiquidityPosition          string `yaml:"min_margin_per_liquidity_position"`
		MaxLeveragePerLiquidityPosition        uint32 `yaml:"max_leverage_per_liquidity_position"`
		LiquidationFeeRatePerLiquidityPosition uint32 `yaml:"liquidation_fee_rate_per_liquidity_position"`
		MinMarginPerPosition                   string `yaml:"min_margin_per_position"`
		MaxLeveragePerPosition                 uint32 `yaml:"max_leverage_per_position"`
		LiquidationFeeRatePerPosition          uint32 `yaml:"liquidation_fee_rate_per_position"`
		MaxPositionLiquidity                   string `yaml:"max_position_liquidity"`
		MaxPositionValueRate                   uint32 `yaml:"max_position_value_rate"`
		MaxSizeRatePerPosition                 uint32 `yaml:"max_size_rate_per_position"`
		LiquidationExecutionFee                string `yaml:"liquidation_execution_fee"`
		InterestRate                           uint32 `yaml:"interest_rate"`
		MaxFundingRate                         uint32 `yaml:"max_funding_rate"`
	} `yaml:"base"`
	Fee struct {
		TradingFeeRate              uint32 `yaml:"trading_fee_rate"`
		ProtocolFeeRate             uint32 `yaml:"protocol_fee_rate"`
		ReferralReturnFeeRate       uint32 `yaml:"referral_return_fee_rate"`
		ReferralParentReturnFeeRate uint32 `yaml:"referral_parent_return_fee_rate"`
		ReferralDiscountRate        uint32 `yaml:"referral_discount_rate"`
	} `yaml:"fee"`
	Price struct {
		MaxPriceImpactLiquidity string                 `yaml:"max_price_impact_liquidity"`
		LiquidationVertexIndex  uint8                  `yaml:"liquidation_vertex_index"`
		Vertices                []pricing.VertexConfig `yaml:"vertices"`
	} `yaml:"price"`
}

// LoadMarketConfigs reads and validates a markets YAML file.
func LoadMarketConfigs(path string) ([]*MarketConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	return ParseMarketConfigs(raw)
}

// ParseMarketConfigs decodes and validates the YAML document in raw.
func ParseMarketConfigs(raw []byte) ([]*MarketConfig, error) {
	var doc marketsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode markets file: %w", err)
	}

	configs := make([]*MarketConfig, 0, len(doc.Markets))
	for i := range doc.Markets {
		cfg, err := doc.Markets[i].toConfig()
		if err != nil {
			return nil, fmt.Errorf("market %q: %w", doc.Markets[i].ID, err)
		}
		if err := ValidateMarketConfig(cfg); err != nil {
			return nil, fmt.Errorf("market %q: %w", cfg.MarketID, err)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (e *marketEntry) toConfig() (*MarketConfig, error) {
	if len(e.Price.Vertices) != fpmath.VertexNum {
		return nil, fmt.Errorf("price.vertices must have %d entries, got %d", fpmath.VertexNum, len(e.Price.Vertices))
	}

	cfg := &MarketConfig{MarketID: e.ID}
	amounts := []struct {
		name string
		src  string
		dst  *fpmath.Uint
	}{
		{"min_margin_per_liquidity_position", e.Base.MinMarginPerLiquidityPosition, &cfg.Base.MinMarginPerLiquidityPosition},
		{"min_margin_per_position", e.Base.MinMarginPerPosition, &cfg.Base.MinMarginPerPosition},
		{"max_position_liquidity", e.Base.MaxPositionLiquidity, &cfg.Base.MaxPositionLiquidity},
		{"liquidation_execution_fee", e.Base.LiquidationExecutionFee, &cfg.Base.LiquidationExecutionFee},
		{"max_price_impact_liquidity", e.Price.MaxPriceImpactLiquidity, &cfg.Price.MaxPriceImpactLiquidity},
	}
	for _, a := range amounts {
		v, err := parseAmount(a.src)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.name, err)
		}
		*a.dst = v
	}

	cfg.Base.MaxLeveragePerLiquidityPosition = e.Base.MaxLeveragePerLiquidityPosition
	cfg.Base.LiquidationFeeRatePerLiquidityPosition = e.Base.LiquidationFeeRatePerLiquidityPosition
	cfg.Base.MaxLeveragePerPosition = e.Base.MaxLeveragePerPosition
	cfg.Base.LiquidationFeeRatePerPosition = e.Base.LiquidationFeeRatePerPosition
	cfg.Base.MaxPositionValueRate = e.Base.MaxPositionValueRate
	cfg.Base.MaxSizeRatePerPosition = e.Base.MaxSizeRatePerPosition
	cfg.Base.InterestRate = e.Base.InterestRate
	cfg.Base.MaxFundingRate = e.Base.MaxFundingRate

	cfg.Fee = MarketFeeRateConfig(e.Fee)

	cfg.Price.LiquidationVertexIndex = e.Price.LiquidationVertexIndex
	copy(cfg.Price.Vertices[:], e.Price.Vertices)
	return cfg, nil
}

// parseAmount accepts any non-negative integral decimal, including
// exponent forms such as "1e18". Empty means zero.
func parseAmount(s string) (fpmath.Uint, error) {
	if s == "" {
		return fpmath.Zero(), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fpmath.Zero(), err
	}
	if !d.IsInteger() {
		return fpmath.Zero(), fmt.Errorf("amount %s must be integral", s)
	}
	return fpmath.UintFromBig(d.BigInt())
}
