// Package quoting runs one layered market-making iteration per cycle
package quoting

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

// Side of a resting quote
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Quote is one resting limit order
type Quote struct {
	OrderID  string
	Exchange string
	Symbol   string
	Side     Side
	Layer    int
	Price    decimal.Decimal
	Amount   decimal.Decimal
}

// Venue is the exchange surface the quoter trades on
type Venue interface {
	ReferencePrice(ctx context.Context, exchange, symbol, source string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, q Quote) (string, error)
	CancelOrders(ctx context.Context, exchange, symbol, orderID string) error
}

// LayeredQuoter places symmetric layers of bids and asks around a reference price
type LayeredQuoter struct {
	venue  Venue
	logger *zap.Logger
}

var _ interfaces.Quoter = (*LayeredQuoter)(nil)

// NewLayeredQuoter creates a new layered quoter
func NewLayeredQuoter(venue Venue, logger *zap.Logger) *LayeredQuoter {
	return &LayeredQuoter{venue: venue, logger: logger.Named("quoter")}
}

// BuildQuotes computes the ladder for a reference price. Layer i sits
// (i+1) spreads away from the price and sizes grow by the per-layer change.
func BuildQuotes(order *interfaces.Order, ref decimal.Decimal, params interfaces.StrategyParams) []Quote {
	one := decimal.NewFromInt(1)
	quotes := make([]Quote, 0, params.Layers*2)
	for i := 0; i < params.Layers; i++ {
		step := decimal.NewFromInt(int64(i + 1))
		amount := params.OrderAmount.Add(params.AmountChangePerLayer.Mul(decimal.NewFromInt(int64(i))))
		if !amount.IsPositive() {
			continue
		}
		bid := ref.Mul(one.Sub(params.BidSpread.Mul(step)))
		ask := ref.Mul(one.Add(params.AskSpread.Mul(step)))
		if bid.IsPositive() {
			quotes = append(quotes, Quote{OrderID: order.OrderID, Exchange: order.Exchange, Symbol: order.Pair, Side: SideBuy, Layer: i, Price: bid, Amount: amount})
		}
		quotes = append(quotes, Quote{OrderID: order.OrderID, Exchange: order.Exchange, Symbol: order.Pair, Side: SideSell, Layer: i, Price: ask, Amount: amount})
	}
	return quotes
}

// RunIteration replaces the order's resting quotes with a fresh ladder
func (q *LayeredQuoter) RunIteration(ctx context.Context, order *interfaces.Order, params interfaces.StrategyParams) error {
	ref, err := q.venue.ReferencePrice(ctx, order.Exchange, order.Pair, params.PriceSource)
	if err != nil {
		return fmt.Errorf("reference price %s: %w", order.Pair, err)
	}
	if !ref.IsPositive() {
		return fmt.Errorf("reference price %s is %s", order.Pair, ref.String())
	}
	if err := q.venue.CancelOrders(ctx, order.Exchange, order.Pair, order.OrderID); err != nil {
		return fmt.Errorf("cancel resting quotes: %w", err)
	}

	placed := 0
	for _, quote := range BuildQuotes(order, ref, params) {
		if _, err := q.venue.PlaceOrder(ctx, quote); err != nil {
			q.logger.Warn("Failed to place quote",
				zap.String("order_id", order.OrderID),
				zap.String("side", string(quote.Side)),
				zap.Int("layer", quote.Layer),
				zap.Error(err))
			continue
		}
		placed++
	}
	q.logger.Debug("MM iteration",
		zap.String("order_id", order.OrderID),
		zap.String("reference", ref.String()),
		zap.Int("placed", placed))
	return nil
}

// CancelAll withdraws every resting quote of the order
func (q *LayeredQuoter) CancelAll(ctx context.Context, order *interfaces.Order) error {
	return q.venue.CancelOrders(ctx, order.Exchange, order.Pair, order.OrderID)
}
