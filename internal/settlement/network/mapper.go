// Package network resolves exchange deposit network codes for ledger assets
package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

// Well-known chain asset ids on the ledger
const (
	ChainBitcoin  = "c6d0c728-2624-429b-8e0d-d9d19b6592fa"
	ChainEthereum = "43d61dcd-e413-450d-80b8-101d5e903357"
	ChainTron     = "25dabac5-056a-48ff-b9f9-f67395dc407c"
	ChainBSC      = "1949e683-6a08-49e2-b087-d6b72398588f"
	ChainPolygon  = "b7938396-3f94-4e0a-9179-d3440718156f"
	ChainSolana   = "64692c23-8971-4cf4-84a7-4dd1271dd887"
	ChainLitecoin = "76c802a2-7c88-447f-a93e-c29c9e5dd9c8"
	ChainDogecoin = "6770a1e5-6086-44d5-b60f-545f9d9e8ffd"
	ChainTON      = "ef660437-d915-4e27-ad3f-632bfb6ba0ee"
)

// DefaultChainNetworks maps chain asset ids to exchange network codes
var DefaultChainNetworks = map[string]string{
	ChainBitcoin:  "BTC",
	ChainEthereum: "ERC20",
	ChainTron:     "TRC20",
	ChainBSC:      "BEP20",
	ChainPolygon:  "MATIC",
	ChainSolana:   "SOL",
	ChainLitecoin: "LTC",
	ChainDogecoin: "DOGE",
	ChainTON:      "TON",
}

// DefaultSymbolNetworks is the fallback when the chain is unknown
var DefaultSymbolNetworks = map[string]string{
	"BTC":  "BTC",
	"ETH":  "ERC20",
	"USDT": "ERC20",
	"USDC": "ERC20",
	"TRX":  "TRC20",
	"BNB":  "BEP20",
	"SOL":  "SOL",
	"LTC":  "LTC",
	"DOGE": "DOGE",
	"TON":  "TON",
}

// EVMNetworks lists network codes whose deposit addresses are 0x hex
var EVMNetworks = map[string]bool{
	"ERC20": true,
	"BEP20": true,
	"MATIC": true,
	"ARB":   true,
	"OP":    true,
}

// IsEVM reports whether a network uses EVM addresses
func IsEVM(network string) bool {
	return EVMNetworks[strings.ToUpper(network)]
}

// Mapper resolves networks through the chain table, then the symbol table,
// then the literal symbol.
type Mapper struct {
	ledger  interfaces.LedgerClient
	chains  map[string]string
	symbols map[string]string
}

var _ interfaces.NetworkMapper = (*Mapper)(nil)

// NewMapper creates a mapper that asks the ledger for an asset's chain
func NewMapper(ledger interfaces.LedgerClient) *Mapper {
	return &Mapper{ledger: ledger, chains: DefaultChainNetworks, symbols: DefaultSymbolNetworks}
}

// ResolveNetwork returns the deposit network code for an asset
func (m *Mapper) ResolveNetwork(ctx context.Context, assetID, symbol string) (string, error) {
	if network, ok := m.chains[assetID]; ok {
		return network, nil
	}
	if m.ledger != nil {
		if asset, err := m.ledger.FetchAsset(ctx, assetID); err == nil {
			if network, ok := m.chains[asset.ChainID]; ok {
				return network, nil
			}
			if symbol == "" {
				symbol = asset.Symbol
			}
		}
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if network, ok := m.symbols[symbol]; ok {
		return network, nil
	}
	if symbol == "" {
		return "", fmt.Errorf("%w: no network for asset %s", interfaces.ErrWithdrawalDependency, assetID)
	}
	return symbol, nil
}
