package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/paper"
)

func TestResolveNetwork(t *testing.T) {
	ledger := paper.NewLedger()
	ledger.RegisterAsset(interfaces.Asset{AssetID: "usdt-trc", Symbol: "USDT", ChainID: ChainTron})
	ledger.RegisterAsset(interfaces.Asset{AssetID: "odd", Symbol: "XYZ", ChainID: "unknown-chain"})
	m := NewMapper(ledger)
	ctx := context.Background()

	cases := []struct {
		name, asset, symbol, want string
	}{
		{"chain asset itself", ChainBitcoin, "BTC", "BTC"},
		{"token on known chain", "usdt-trc", "USDT", "TRC20"},
		{"symbol fallback", "missing", "usdc", "ERC20"},
		{"literal symbol", "odd", "", "XYZ"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.ResolveNetwork(ctx, tc.asset, tc.symbol)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := m.ResolveNetwork(ctx, "missing", "")
	assert.ErrorIs(t, err, interfaces.ErrWithdrawalDependency)
}

func TestIsEVM(t *testing.T) {
	assert.True(t, IsEVM("erc20"))
	assert.False(t, IsEVM("TRC20"))
}
