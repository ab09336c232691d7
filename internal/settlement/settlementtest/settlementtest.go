// Package settlementtest holds fixtures shared by settlement package tests.
package settlementtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/repository"
)

// Asset ids used across fixtures
const (
	BTC  = "c6d0c728-2624-429b-8e0d-d9d19b6592fa"
	USDT = "4d8c508b-91c5-375b-92b0-ee702ed2dac5"
	ETH  = "43d61dcd-e413-450d-80b8-101d5e903357"
)

// NewRepository opens a migrated in-memory sqlite repository
func NewRepository(t *testing.T) *repository.Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := repository.NewRepository(db, zaptest.NewLogger(t))
	require.NoError(t, repo.AutoMigrate(context.Background()))
	return repo
}

// BTCUSDT is an enabled pair with fees paid in the principal assets
func BTCUSDT() interfaces.PairConfig {
	return interfaces.PairConfig{
		ID:           "btc-usdt-binance",
		Symbol:       "BTC/USDT",
		Exchange:     "binance",
		Enabled:      true,
		BaseAssetID:  BTC,
		BaseSymbol:   "BTC",
		QuoteAssetID: USDT,
		QuoteSymbol:  "USDT",
		Fees: interfaces.PairFees{
			BaseFeeAmount:  decimal.RequireFromString("0.0001"),
			QuoteFeeAmount: decimal.RequireFromString("5"),
		},
		Strategy: interfaces.StrategyDefaults{
			BidSpread:            "0.001",
			AskSpread:            "0.001",
			OrderAmount:          "0.0002",
			AmountChangePerLayer: "0.0001",
			Layers:               2,
			RefreshInterval:      5 * time.Second,
			PriceSource:          "mid",
		},
	}
}

// Clock is a manually advanced clock
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Dec parses a decimal literal
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
