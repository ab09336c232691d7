package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/quoting"
)

// Exchange is an in-memory ExchangeGateway and quoting venue
type Exchange struct {
	mu          sync.Mutex
	credentials map[string]string
	addresses   map[string]interfaces.DepositAddress
	generate    bool
	prices      map[string]decimal.Decimal
	resting     map[string][]quoting.Quote
	placed      int
}

var (
	_ interfaces.ExchangeGateway = (*Exchange)(nil)
	_ quoting.Venue              = (*Exchange)(nil)
)

// NewExchange creates a paper exchange. With generate set, unknown deposit
// addresses are derived deterministically instead of failing.
func NewExchange(generate bool) *Exchange {
	return &Exchange{
		credentials: make(map[string]string),
		addresses:   make(map[string]interfaces.DepositAddress),
		generate:    generate,
		prices:      make(map[string]decimal.Decimal),
		resting:     make(map[string][]quoting.Quote),
	}
}

func addressKey(exchange, symbol, network string) string {
	return strings.ToLower(exchange) + "|" + strings.ToUpper(symbol) + "|" + strings.ToUpper(network)
}

// SetCredential registers an API key id for an exchange
func (e *Exchange) SetCredential(exchange, keyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.credentials[strings.ToLower(exchange)] = keyID
}

// SetDepositAddress registers a deposit address
func (e *Exchange) SetDepositAddress(exchange, symbol, network string, addr interfaces.DepositAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addresses[addressKey(exchange, symbol, network)] = addr
}

// SetPrice sets the reference price of a symbol
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
}

// ResolveCredential returns the key id for an exchange
func (e *Exchange) ResolveCredential(_ context.Context, exchange string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if key, ok := e.credentials[strings.ToLower(exchange)]; ok {
		return key, nil
	}
	if e.generate {
		return "paper-" + strings.ToLower(exchange), nil
	}
	return "", fmt.Errorf("no credential for exchange %s", exchange)
}

// GetDepositAddress returns the deposit address for a symbol on a network
func (e *Exchange) GetDepositAddress(_ context.Context, exchange, symbol, network string) (interfaces.DepositAddress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := addressKey(exchange, symbol, network)
	if addr, ok := e.addresses[key]; ok {
		return addr, nil
	}
	if !e.generate {
		return interfaces.DepositAddress{}, fmt.Errorf("no deposit address for %s %s on %s", exchange, symbol, network)
	}
	seed := uuid.NewSHA1(uuid.NameSpaceURL, []byte(key))
	addr := interfaces.DepositAddress{Address: common.BytesToAddress(seed[:]).Hex()}
	e.addresses[key] = addr
	return addr, nil
}

// ReferencePrice returns the configured price; the source mode is ignored
func (e *Exchange) ReferencePrice(_ context.Context, _, symbol, _ string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

// PlaceOrder rests a quote
func (e *Exchange) PlaceOrder(_ context.Context, q quoting.Quote) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resting[q.OrderID] = append(e.resting[q.OrderID], q)
	e.placed++
	return fmt.Sprintf("%s-%s-%d", q.OrderID, q.Side, q.Layer), nil
}

// CancelOrders removes every resting quote of an order
func (e *Exchange) CancelOrders(_ context.Context, _, _, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.resting, orderID)
	return nil
}

// Resting returns the quotes currently resting for an order
func (e *Exchange) Resting(orderID string) []quoting.Quote {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]quoting.Quote(nil), e.resting[orderID]...)
}

// Placed counts every quote placed so far
func (e *Exchange) Placed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placed
}

// Campaign is an in-memory CampaignClient
type Campaign struct {
	mu     sync.Mutex
	joined map[string]string
	err    error
}

var _ interfaces.CampaignClient = (*Campaign)(nil)

// NewCampaign creates a paper campaign
func NewCampaign() *Campaign {
	return &Campaign{joined: make(map[string]string)}
}

// Fail makes joins return err until cleared with nil
func (c *Campaign) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Join registers an order in the campaign
func (c *Campaign) Join(_ context.Context, req interfaces.CampaignJoin) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	if ref, ok := c.joined[req.OrderID]; ok {
		return ref, nil
	}
	ref := "camp-" + req.OrderID
	c.joined[req.OrderID] = ref
	return ref, nil
}
