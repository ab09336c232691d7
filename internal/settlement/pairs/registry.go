// Package pairs loads the market-making pair registry from YAML
package pairs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

type assetFile struct {
	AssetID string `yaml:"asset_id" validate:"required"`
	Symbol  string `yaml:"symbol" validate:"required"`
}

type feesFile struct {
	BaseFeeAssetID  string `yaml:"base_fee_asset_id"`
	BaseFeeAmount   string `yaml:"base_fee_amount" validate:"omitempty,numeric"`
	QuoteFeeAssetID string `yaml:"quote_fee_asset_id"`
	QuoteFeeAmount  string `yaml:"quote_fee_amount" validate:"omitempty,numeric"`
}

type strategyFile struct {
	BidSpread            string        `yaml:"bid_spread" validate:"required,numeric"`
	AskSpread            string        `yaml:"ask_spread" validate:"required,numeric"`
	OrderAmount          string        `yaml:"order_amount" validate:"required,numeric"`
	AmountChangePerLayer string        `yaml:"amount_change_per_layer" validate:"omitempty,numeric"`
	Layers               int           `yaml:"layers" validate:"gte=1,lte=50"`
	RefreshInterval      time.Duration `yaml:"refresh_interval" validate:"gte=100ms"`
	PriceSource          string        `yaml:"price_source" validate:"omitempty,oneof=mid bid ask last"`
}

type pairFile struct {
	ID       string       `yaml:"id" validate:"required"`
	Symbol   string       `yaml:"symbol" validate:"required"`
	Exchange string       `yaml:"exchange" validate:"required"`
	Enabled  bool         `yaml:"enabled"`
	Base     assetFile    `yaml:"base"`
	Quote    assetFile    `yaml:"quote"`
	Fees     feesFile     `yaml:"fees"`
	Strategy strategyFile `yaml:"strategy"`
}

type registryFile struct {
	Pairs []pairFile `yaml:"pairs" validate:"dive"`
}

// Registry is an in-memory PairRegistry loaded from a YAML document
type Registry struct {
	mu    sync.RWMutex
	pairs map[string]interfaces.PairConfig
}

var _ interfaces.PairRegistry = (*Registry)(nil)

// LoadFile reads a registry from disk
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pair registry %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes
func Parse(data []byte) (*Registry, error) {
	var doc registryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse pair registry: %w", err)
	}
	if err := validator.New().Struct(&doc); err != nil {
		return nil, fmt.Errorf("pair registry validation failed: %w", err)
	}

	r := &Registry{pairs: make(map[string]interfaces.PairConfig, len(doc.Pairs))}
	for _, p := range doc.Pairs {
		if _, dup := r.pairs[p.ID]; dup {
			return nil, fmt.Errorf("duplicate pair id %s", p.ID)
		}
		cfg, err := p.toConfig()
		if err != nil {
			return nil, fmt.Errorf("pair %s: %w", p.ID, err)
		}
		r.pairs[p.ID] = cfg
	}
	return r, nil
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func (p pairFile) toConfig() (interfaces.PairConfig, error) {
	baseFee, err := optionalDecimal(p.Fees.BaseFeeAmount)
	if err != nil {
		return interfaces.PairConfig{}, fmt.Errorf("base fee: %w", err)
	}
	quoteFee, err := optionalDecimal(p.Fees.QuoteFeeAmount)
	if err != nil {
		return interfaces.PairConfig{}, fmt.Errorf("quote fee: %w", err)
	}
	if baseFee.IsNegative() || quoteFee.IsNegative() {
		return interfaces.PairConfig{}, fmt.Errorf("fee thresholds must not be negative")
	}
	if p.Base.AssetID == p.Quote.AssetID {
		return interfaces.PairConfig{}, fmt.Errorf("base and quote assets must differ")
	}
	source := p.Strategy.PriceSource
	if source == "" {
		source = "mid"
	}
	return interfaces.PairConfig{
		ID:           p.ID,
		Symbol:       p.Symbol,
		Exchange:     p.Exchange,
		Enabled:      p.Enabled,
		BaseAssetID:  p.Base.AssetID,
		BaseSymbol:   p.Base.Symbol,
		QuoteAssetID: p.Quote.AssetID,
		QuoteSymbol:  p.Quote.Symbol,
		Fees: interfaces.PairFees{
			BaseFeeAssetID:  p.Fees.BaseFeeAssetID,
			BaseFeeAmount:   baseFee,
			QuoteFeeAssetID: p.Fees.QuoteFeeAssetID,
			QuoteFeeAmount:  quoteFee,
		},
		Strategy: interfaces.StrategyDefaults{
			BidSpread:            p.Strategy.BidSpread,
			AskSpread:            p.Strategy.AskSpread,
			OrderAmount:          p.Strategy.OrderAmount,
			AmountChangePerLayer: p.Strategy.AmountChangePerLayer,
			Layers:               p.Strategy.Layers,
			RefreshInterval:      p.Strategy.RefreshInterval,
			PriceSource:          source,
		},
	}, nil
}

// Pair looks up a pair by id
func (r *Registry) Pair(_ context.Context, id string) (interfaces.PairConfig, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[id]
	return p, ok, nil
}

// Put adds or replaces a pair
func (r *Registry) Put(p interfaces.PairConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pairs == nil {
		r.pairs = make(map[string]interfaces.PairConfig)
	}
	r.pairs[p.ID] = p
}

// Len returns the number of configured pairs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pairs)
}
