package state_test

import (
	"strings"
	"testing"

	"PerpAMM/internal/state"
	"PerpAMM/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMarketConfigs_SampleFile(t *testing.T) {
	cfgs, err := state.LoadMarketConfigs("../../markets.yaml")
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	eth := cfgs[0]
	assert.Equal(t, "ETH-USD", eth.MarketID)
	assert.Equal(t, "100000000000000000000", eth.Base.MaxPositionLiquidity.String())
	assert.Equal(t, uint32(5), eth.Fee.TradingFeeRate)
	assert.Equal(t, uint8(7), eth.Price.LiquidationVertexIndex)
	assert.Equal(t, uint32(10_000), eth.Price.Vertices[9].BalanceRate)

	m := state.NewMarketConfigManager()
	for _, c := range cfgs {
		require.NoError(t, m.UpdateMarketConfig(c))
	}
	assert.ElementsMatch(t, []string{"ETH-USD", "BTC-USD"}, m.MarketIDs())
}

func TestMarketConfig_Rates(t *testing.T) {
	cfgs, err := state.LoadMarketConfigs("../../markets.yaml")
	require.NoError(t, err)

	rates := cfgs[0].Rates()
	for name, want := range map[string]string{
		"trading_fee_rate":                            "0.0005",
		"liquidation_fee_rate_per_position":           "0.004",
		"liquidation_fee_rate_per_liquidity_position": "0.005",
		"interest_rate":                               "0.0001",
		"max_funding_rate":                            "0.015",
	} {
		assert.True(t, decimal.RequireFromString(want).Equal(rates[name]), "%s = %s", name, rates[name])
	}
}

func TestParseMarketConfigs_Rejects(t *testing.T) {
	cases := map[string]string{
		"fractional amount": `min_margin_per_position: "1.5"`,
		"fee rate too high": `liquidation_fee_rate_per_position: 20000`,
	}
	base := `
markets:
  - id: ETH-USD
    base:
      max_leverage_per_liquidity_position: 100
      max_leverage_per_position: 100
      max_position_value_rate: 10000
      max_size_rate_per_position: 5000
      %s
    price:
      liquidation_vertex_index: 5
      vertices:
        - { balance_rate: 0, premium_rate: 0 }
        - { balance_rate: 100, premium_rate: 0 }
        - { balance_rate: 200, premium_rate: 50 }
        - { balance_rate: 300, premium_rate: 100 }
        - { balance_rate: 400, premium_rate: 150 }
        - { balance_rate: 500, premium_rate: 200 }
        - { balance_rate: 600, premium_rate: 250 }
        - { balance_rate: 700, premium_rate: 300 }
        - { balance_rate: 800, premium_rate: 350 }
        - { balance_rate: 900, premium_rate: 400 }
`
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			doc := strings.Replace(base, "%s", line, 1)
			_, err := state.ParseMarketConfigs([]byte(doc))
			assert.Error(t, err)
		})
	}

	_, err := state.ParseMarketConfigs([]byte(strings.Replace(base, "%s", "", 1)))
	assert.NoError(t, err)

	cfg := testutil.NewTestMarketConfig()
	cfg.Price.Vertices[3].BalanceRate = cfg.Price.Vertices[2].BalanceRate
	assert.Error(t, state.ValidateMarketConfig(&cfg))
}
