// Package aggregator accumulates matched snapshots into per-order payment
// legs and decides funding completeness.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

// Outcome is the result of a completeness evaluation
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	// OutcomeIncomplete: a principal leg is still empty.
	OutcomeIncomplete Outcome = "incomplete"
	// OutcomeAwaitingFee: principals funded, a required fee leg has received nothing yet.
	OutcomeAwaitingFee Outcome = "awaiting_fee"
	// OutcomeInsufficientFee: a fee leg was funded below its threshold.
	OutcomeInsufficientFee Outcome = "insufficient_fee"
)

// Evaluation explains a completeness decision
type Evaluation struct {
	Outcome Outcome
	Leg     interfaces.Leg
	Reason  string
}

// Complete reports whether the order is fully funded
func (e Evaluation) Complete() bool {
	return e.Outcome == OutcomeComplete
}

// Retryable reports whether a later snapshot may still complete the payment
func (e Evaluation) Retryable() bool {
	return e.Outcome == OutcomeIncomplete || e.Outcome == OutcomeAwaitingFee
}

// Err maps the evaluation onto the error taxonomy
func (e Evaluation) Err() error {
	switch e.Outcome {
	case OutcomeIncomplete, OutcomeAwaitingFee:
		return fmt.Errorf("%w: %s", interfaces.ErrPaymentIncomplete, e.Reason)
	case OutcomeInsufficientFee:
		return fmt.Errorf("%w: %s", interfaces.ErrInsufficientFee, e.Reason)
	}
	return nil
}

// Evaluate applies the completeness predicate: both principal legs positive
// and each fee leg at or above its captured threshold. It reads only the
// payment state, so repeated checks are side-effect free.
func Evaluate(ps *interfaces.PaymentState) Evaluation {
	for _, leg := range []interfaces.Leg{interfaces.LegBase, interfaces.LegQuote} {
		if !ps.Leg(leg).Amount.IsPositive() {
			return Evaluation{Outcome: OutcomeIncomplete, Leg: leg, Reason: fmt.Sprintf("%s leg not funded", leg)}
		}
	}

	awaiting := Evaluation{Outcome: OutcomeComplete}
	for _, leg := range []interfaces.Leg{interfaces.LegBaseFee, interfaces.LegQuoteFee} {
		required := ps.Required(leg)
		if !required.IsPositive() {
			continue
		}
		amount := ps.Leg(leg).Amount
		if amount.GreaterThanOrEqual(required) {
			continue
		}
		if amount.IsPositive() {
			return Evaluation{
				Outcome: OutcomeInsufficientFee,
				Leg:     leg,
				Reason:  fmt.Sprintf("%s leg %s below required %s", leg, amount.String(), required.String()),
			}
		}
		if awaiting.Outcome == OutcomeComplete {
			awaiting = Evaluation{Outcome: OutcomeAwaitingFee, Leg: leg, Reason: fmt.Sprintf("%s leg not funded", leg)}
		}
	}
	return awaiting
}

// ResolveLeg picks the leg a snapshot asset funds. When an asset serves
// several legs (a fee paid in the principal asset) an unfunded principal
// wins, then a fee leg still below its threshold, then the principal.
func ResolveLeg(ps *interfaces.PaymentState, assetID string) (interfaces.Leg, error) {
	var principals, fees []interfaces.Leg
	for _, b := range ps.Legs() {
		if b.AssetID == "" || b.AssetID != assetID {
			continue
		}
		if b.Leg.IsFee() {
			fees = append(fees, b.Leg)
		} else {
			principals = append(principals, b.Leg)
		}
	}
	if len(principals) == 0 && len(fees) == 0 {
		return "", fmt.Errorf("%w: %s", interfaces.ErrUnknownAsset, assetID)
	}

	for _, leg := range principals {
		if !ps.Leg(leg).Amount.IsPositive() {
			return leg, nil
		}
	}
	for _, leg := range fees {
		if ps.Leg(leg).Amount.LessThan(ps.Required(leg)) {
			return leg, nil
		}
	}
	if len(principals) > 0 {
		return principals[0], nil
	}
	return fees[0], nil
}

// Aggregator creates payment states and applies snapshots to them
type Aggregator struct {
	repository interfaces.Repository
	fees       interfaces.FeeCalculator
	logger     *zap.Logger
	now        func() time.Time
}

// NewAggregator creates a new payment state aggregator
func NewAggregator(repository interfaces.Repository, fees interfaces.FeeCalculator, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		repository: repository,
		fees:       fees,
		logger:     logger.Named("aggregator"),
		now:        time.Now,
	}
}

// SetClock replaces time.Now
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Open loads the order and payment state for orderID, creating both on the
// first matching snapshot. Fee thresholds are fetched only at creation. It
// reports whether this call created the order.
func (a *Aggregator) Open(ctx context.Context, orderID, userID string, pair interfaces.PairConfig) (*interfaces.Order, *interfaces.PaymentState, bool, error) {
	order, err := a.repository.GetOrder(ctx, orderID)
	if err == nil {
		ps, err := a.repository.GetPaymentState(ctx, orderID)
		if err != nil {
			return nil, nil, false, err
		}
		return order, ps, false, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, nil, false, err
	}

	required, err := a.fees.RequiredFees(ctx, pair.Exchange, pair, interfaces.FeeDirectionDepositToExchange)
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: required fees for %s: %v", interfaces.ErrTransientInfra, pair.ID, err)
	}

	now := a.now()
	order = &interfaces.Order{
		OrderID:              orderID,
		UserID:               userID,
		PairID:               pair.ID,
		Pair:                 pair.Symbol,
		Exchange:             pair.Exchange,
		BidSpread:            pair.Strategy.BidSpread,
		AskSpread:            pair.Strategy.AskSpread,
		OrderAmount:          pair.Strategy.OrderAmount,
		AmountChangePerLayer: pair.Strategy.AmountChangePerLayer,
		Layers:               pair.Strategy.Layers,
		RefreshIntervalMs:    pair.Strategy.RefreshInterval.Milliseconds(),
		PriceSource:          pair.Strategy.PriceSource,
		State:                interfaces.OrderStatePaymentPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	ps := &interfaces.PaymentState{
		OrderID:          orderID,
		UserID:           userID,
		BaseAssetID:      pair.BaseAssetID,
		QuoteAssetID:     pair.QuoteAssetID,
		BaseFeeAssetID:   required.BaseFeeAssetID,
		QuoteFeeAssetID:  required.QuoteFeeAssetID,
		RequiredBaseFee:  required.BaseFeeAmount,
		RequiredQuoteFee: required.QuoteFeeAmount,
		State:            interfaces.PaymentPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.repository.CreateOrder(ctx, order, ps); err != nil {
		return nil, nil, false, err
	}
	a.logger.Info("Order opened",
		zap.String("order_id", orderID),
		zap.String("pair_id", pair.ID),
		zap.String("required_base_fee", ps.RequiredBaseFee.String()),
		zap.String("required_quote_fee", ps.RequiredQuoteFee.String()))
	return order, ps, true, nil
}

// Apply credits a snapshot to its leg and persists it. A snapshot already
// applied is a no-op. ErrUnknownAsset leaves the payment state untouched.
func (a *Aggregator) Apply(ctx context.Context, ps *interfaces.PaymentState, snap *interfaces.LedgerSnapshot) (interfaces.Leg, error) {
	if snap.AppliedAt != nil {
		return snap.Leg, nil
	}
	leg, err := ResolveLeg(ps, snap.AssetID)
	if err != nil {
		return "", err
	}

	updated := *ps
	updated.Credit(leg, snap.Amount, snap.SnapshotID)
	if err := a.repository.ApplySnapshot(ctx, &updated, snap.SnapshotID, leg); err != nil {
		return "", err
	}
	*ps = updated

	a.logger.Info("Snapshot applied",
		zap.String("order_id", ps.OrderID),
		zap.String("snapshot_id", snap.SnapshotID),
		zap.String("leg", string(leg)),
		zap.String("amount", snap.Amount.String()),
		zap.String("leg_total", ps.Leg(leg).Amount.String()))
	return leg, nil
}
