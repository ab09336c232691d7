package quoting

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

type fakeVenue struct {
	price    decimal.Decimal
	priceErr error
	placed   []Quote
	cancels  int
}

func (v *fakeVenue) ReferencePrice(context.Context, string, string, string) (decimal.Decimal, error) {
	return v.price, v.priceErr
}

func (v *fakeVenue) PlaceOrder(_ context.Context, q Quote) (string, error) {
	v.placed = append(v.placed, q)
	return "id", nil
}

func (v *fakeVenue) CancelOrders(context.Context, string, string, string) error {
	v.cancels++
	v.placed = nil
	return nil
}

func params() interfaces.StrategyParams {
	return interfaces.StrategyParams{
		BidSpread:            decimal.RequireFromString("0.01"),
		AskSpread:            decimal.RequireFromString("0.02"),
		OrderAmount:          decimal.RequireFromString("1"),
		AmountChangePerLayer: decimal.RequireFromString("0.5"),
		Layers:               2,
	}
}

func TestBuildQuotesLayers(t *testing.T) {
	order := &interfaces.Order{OrderID: "o1", Pair: "BTC/USDT", Exchange: "binance"}
	quotes := BuildQuotes(order, decimal.NewFromInt(100), params())
	require.Len(t, quotes, 4)

	assert.Equal(t, SideBuy, quotes[0].Side)
	assert.True(t, quotes[0].Price.Equal(decimal.NewFromInt(99)))
	assert.True(t, quotes[1].Price.Equal(decimal.NewFromInt(102)))
	assert.True(t, quotes[2].Price.Equal(decimal.NewFromInt(98)))
	assert.True(t, quotes[3].Price.Equal(decimal.NewFromInt(104)))
	assert.True(t, quotes[3].Amount.Equal(decimal.RequireFromString("1.5")))
}

func TestRunIterationReplacesQuotes(t *testing.T) {
	venue := &fakeVenue{price: decimal.NewFromInt(100)}
	q := NewLayeredQuoter(venue, zaptest.NewLogger(t))
	order := &interfaces.Order{OrderID: "o1", Pair: "BTC/USDT", Exchange: "binance"}

	require.NoError(t, q.RunIteration(context.Background(), order, params()))
	require.NoError(t, q.RunIteration(context.Background(), order, params()))
	assert.Len(t, venue.placed, 4)
	assert.Equal(t, 2, venue.cancels)

	require.NoError(t, q.CancelAll(context.Background(), order))
	assert.Empty(t, venue.placed)
}

func TestRunIterationPriceFailure(t *testing.T) {
	venue := &fakeVenue{priceErr: errors.New("no feed")}
	q := NewLayeredQuoter(venue, zaptest.NewLogger(t))
	err := q.RunIteration(context.Background(), &interfaces.Order{OrderID: "o1"}, params())
	assert.Error(t, err)
	assert.Empty(t, venue.placed)
}
