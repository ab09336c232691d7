package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/queue"
)

// ParseStrategy converts an order's stored decimal strings into numeric parameters
func ParseStrategy(order *interfaces.Order) (interfaces.StrategyParams, error) {
	var params interfaces.StrategyParams
	fields := []struct {
		name  string
		value string
		dst   *decimal.Decimal
		opt   bool
	}{
		{"bid_spread", order.BidSpread, &params.BidSpread, false},
		{"ask_spread", order.AskSpread, &params.AskSpread, false},
		{"order_amount", order.OrderAmount, &params.OrderAmount, false},
		{"amount_change_per_layer", order.AmountChangePerLayer, &params.AmountChangePerLayer, true},
	}
	for _, f := range fields {
		if f.value == "" && f.opt {
			*f.dst = decimal.Zero
			continue
		}
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return params, fmt.Errorf("strategy %s %q: %w", f.name, f.value, err)
		}
		if d.IsNegative() {
			return params, fmt.Errorf("strategy %s must not be negative", f.name)
		}
		*f.dst = d
	}
	if order.Layers < 1 {
		return params, fmt.Errorf("strategy layers must be positive, got %d", order.Layers)
	}
	params.Layers = order.Layers
	params.RefreshInterval = time.Duration(order.RefreshIntervalMs) * time.Millisecond
	if params.RefreshInterval < MinCycleInterval {
		params.RefreshInterval = MinCycleInterval
	}
	params.PriceSource = order.PriceSource
	return params, nil
}

// handleStart loads the strategy and enqueues the first quoting cycle
func (o *Orchestrator) handleStart(ctx context.Context, job queue.Job) error {
	var p OrderPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	order, err := o.loadOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	switch order.State {
	case interfaces.OrderStateCampaignJoined, interfaces.OrderStateRunning:
	default:
		return nil
	}
	if _, err := ParseStrategy(order); err != nil {
		o.logger.Error("Invalid strategy parameters", zap.String("order_id", order.OrderID), zap.Error(err))
		return o.failOnly(ctx, order.OrderID, err.Error())
	}
	if ok, err := o.advance(ctx, order, interfaces.OrderStateRunning, "strategy started"); err != nil || !ok {
		return err
	}
	_, err = o.enqueue(ctx, JobExecuteCycle, ExecuteCycleJobID(order.OrderID, 0),
		ExecuteCyclePayload{OrderID: order.OrderID, Iteration: 0})
	return err
}

// handleExecuteCycle runs one quoting iteration and re-enqueues itself after
// the refresh interval. The order state read at the top is the only stop
// signal: a non-running order ends the chain without trading.
func (o *Orchestrator) handleExecuteCycle(ctx context.Context, job queue.Job) error {
	var p ExecuteCyclePayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	order, err := o.loadOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if order.State != interfaces.OrderStateRunning {
		o.logger.Info("Quoting loop ended", zap.String("order_id", order.OrderID), zap.String("state", string(order.State)))
		return nil
	}
	params, err := ParseStrategy(order)
	if err != nil {
		o.logger.Error("Invalid strategy parameters, withdrawing quotes", zap.String("order_id", order.OrderID), zap.Error(err))
		if cerr := o.quoter.CancelAll(ctx, order); cerr != nil {
			return fmt.Errorf("cancel quotes of %s: %w", order.OrderID, cerr)
		}
		return o.failOnly(ctx, order.OrderID, err.Error())
	}

	if err := o.quoter.RunIteration(ctx, order, params); err != nil {
		o.logger.Warn("Quoting iteration failed",
			zap.String("order_id", order.OrderID),
			zap.Int64("iteration", p.Iteration),
			zap.Error(err))
	}
	return o.scheduleCycle(ctx, order.OrderID, p.Iteration+1, params.RefreshInterval)
}

func (o *Orchestrator) scheduleCycle(ctx context.Context, orderID string, iteration int64, interval time.Duration) error {
	_, err := o.enqueue(ctx, JobExecuteCycle, ExecuteCycleJobID(orderID, iteration),
		ExecuteCyclePayload{OrderID: orderID, Iteration: iteration},
		queue.At(o.now().Add(interval)))
	return err
}

func (o *Orchestrator) cycleExhausted(ctx context.Context, job queue.Job, cause error) {
	var p ExecuteCyclePayload
	if err := job.Decode(&p); err != nil {
		return
	}
	o.logger.Error("Quoting cycle exhausted, continuing loop",
		zap.String("order_id", p.OrderID),
		zap.Int64("iteration", p.Iteration),
		zap.Error(cause))
	if err := o.scheduleCycle(ctx, p.OrderID, p.Iteration+1, MinCycleInterval); err != nil {
		o.logger.Error("Failed to continue quoting loop", zap.String("order_id", p.OrderID), zap.Error(err))
	}
}

// RequestStop enqueues a stop for a running order
func (o *Orchestrator) RequestStop(ctx context.Context, orderID, reason string) error {
	if _, err := o.repo.GetOrder(ctx, orderID); err != nil {
		return err
	}
	_, err := o.enqueue(ctx, JobStop, StopJobID(orderID, o.now()), StopPayload{OrderID: orderID, Reason: reason})
	return err
}

// handleStop flips a running order to stopped and withdraws its quotes. The
// quoting loop notices at its next iteration.
func (o *Orchestrator) handleStop(ctx context.Context, job queue.Job) error {
	var p StopPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	order, err := o.loadOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if order.State != interfaces.OrderStateRunning && order.State != interfaces.OrderStateStopped {
		o.logger.Warn("Stop ignored, order not running", zap.String("order_id", order.OrderID), zap.String("state", string(order.State)))
		return nil
	}
	reason := p.Reason
	if reason == "" {
		reason = "stop requested"
	}
	if ok, err := o.advance(ctx, order, interfaces.OrderStateStopped, reason); err != nil || !ok {
		return err
	}
	if err := o.quoter.CancelAll(ctx, order); err != nil {
		o.logger.Warn("Failed to cancel resting quotes", zap.String("order_id", order.OrderID), zap.Error(err))
	}
	return nil
}
