package pairs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
pairs:
  - id: btc-usdt-binance
    symbol: BTC/USDT
    exchange: binance
    enabled: true
    base: {asset_id: c6d0c728-2624-429b-8e0d-d9d19b6592fa, symbol: BTC}
    quote: {asset_id: 4d8c508b-91c5-375b-92b0-ee702ed2dac5, symbol: USDT}
    fees:
      base_fee_amount: "0.0001"
      quote_fee_amount: "5"
    strategy:
      bid_spread: "0.001"
      ask_spread: "0.0015"
      order_amount: "0.0002"
      layers: 3
      refresh_interval: 5s
  - id: eth-usdt-okx
    symbol: ETH/USDT
    exchange: okx
    enabled: false
    base: {asset_id: 43d61dcd-e413-450d-80b8-101d5e903357, symbol: ETH}
    quote: {asset_id: 4d8c508b-91c5-375b-92b0-ee702ed2dac5, symbol: USDT}
    strategy:
      bid_spread: "0.002"
      ask_spread: "0.002"
      order_amount: "0.01"
      layers: 1
      refresh_interval: 10s
      price_source: last
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	r, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	p, ok, err := r.Pair(context.Background(), "btc-usdt-binance")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.Enabled)
	assert.Equal(t, "BTC", p.BaseSymbol)
	assert.True(t, p.Fees.BaseFeeAmount.Equal(decimal.RequireFromString("0.0001")))
	assert.Equal(t, 5*time.Second, p.Strategy.RefreshInterval)
	assert.Equal(t, "mid", p.Strategy.PriceSource)

	p, ok, _ = r.Pair(context.Background(), "eth-usdt-okx")
	require.True(t, ok)
	assert.False(t, p.Enabled)
	assert.True(t, p.Fees.QuoteFeeAmount.IsZero())

	_, ok, _ = r.Pair(context.Background(), "missing")
	assert.False(t, ok)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml": "pairs: [",
		"missing exchange": `
pairs:
  - id: x
    symbol: X/Y
    base: {asset_id: a, symbol: X}
    quote: {asset_id: b, symbol: Y}
    strategy: {bid_spread: "0.1", ask_spread: "0.1", order_amount: "1", layers: 1, refresh_interval: 1s}
`,
		"non numeric fee": `
pairs:
  - id: x
    symbol: X/Y
    exchange: e
    base: {asset_id: a, symbol: X}
    quote: {asset_id: b, symbol: Y}
    fees: {base_fee_amount: lots}
    strategy: {bid_spread: "0.1", ask_spread: "0.1", order_amount: "1", layers: 1, refresh_interval: 1s}
`,
		"same assets": `
pairs:
  - id: x
    symbol: X/X
    exchange: e
    base: {asset_id: a, symbol: X}
    quote: {asset_id: a, symbol: X}
    strategy: {bid_spread: "0.1", ask_spread: "0.1", order_amount: "1", layers: 1, refresh_interval: 1s}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}
