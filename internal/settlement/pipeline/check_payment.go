package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/aggregator"
	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/queue"
)

// handleCheckPayment evaluates completeness on the persisted payment state.
// Incomplete payments reschedule the chain until the timeout or the retry
// budget trips; a fee shortfall fails at once.
func (o *Orchestrator) handleCheckPayment(ctx context.Context, job queue.Job) error {
	var p CheckPaymentPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	order, err := o.loadOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	switch order.State {
	case interfaces.OrderStatePaymentPending:
	case interfaces.OrderStatePaymentComplete:
		return o.enqueueWithdraw(ctx, order.OrderID)
	default:
		return nil
	}

	ps, err := o.repo.GetPaymentState(ctx, order.OrderID)
	if err != nil {
		return err
	}
	log := o.logger.With(zap.String("order_id", order.OrderID), zap.Int("attempt", p.Attempt), zap.Bool("follow_up", p.FollowUp))

	if ps.State == interfaces.PaymentComplete {
		return o.completePayment(ctx, order)
	}

	ev := aggregator.Evaluate(ps)
	switch {
	case ev.Complete():
		if err := o.repo.MarkPaymentComplete(ctx, order.OrderID, ps.Version); err != nil {
			return err
		}
		return o.completePayment(ctx, order)
	case !ev.Retryable():
		log.Warn("Payment cannot complete", zap.String("leg", string(ev.Leg)), zap.String("reason", ev.Reason))
		return o.failAndCompensate(ctx, order.OrderID, ev.Err().Error())
	}

	if p.FollowUp {
		return nil
	}
	elapsed := o.now().Sub(ps.CreatedAt)
	if elapsed > PaymentTimeout {
		log.Warn("Payment timed out", zap.Duration("elapsed", elapsed), zap.String("reason", ev.Reason))
		return o.failAndCompensate(ctx, order.OrderID, fmt.Sprintf("payment timeout after %s: %v", PaymentTimeout, ev.Err()))
	}
	if p.Attempt >= PaymentCheckBudget {
		log.Warn("Payment check budget exhausted", zap.String("reason", ev.Reason))
		return o.failAndCompensate(ctx, order.OrderID, fmt.Sprintf("payment incomplete after %d checks: %v", PaymentCheckBudget, ev.Err()))
	}

	log.Debug("Payment incomplete, rescheduling", zap.String("reason", ev.Reason))
	return o.rescheduleCheck(ctx, order.OrderID, p.Attempt+1)
}

func (o *Orchestrator) rescheduleCheck(ctx context.Context, orderID string, attempt int) error {
	_, err := o.enqueue(ctx, JobCheckPayment, CheckPaymentJobID(orderID, attempt),
		CheckPaymentPayload{OrderID: orderID, Attempt: attempt},
		queue.At(o.now().Add(PaymentCheckDelay)))
	return err
}

func (o *Orchestrator) completePayment(ctx context.Context, order *interfaces.Order) error {
	ok, err := o.advance(ctx, order, interfaces.OrderStatePaymentComplete, "payment complete")
	if err != nil || !ok {
		return err
	}
	return o.enqueueWithdraw(ctx, order.OrderID)
}

func (o *Orchestrator) enqueueWithdraw(ctx context.Context, orderID string) error {
	_, err := o.enqueue(ctx, JobWithdraw, WithdrawJobID(orderID), OrderPayload{OrderID: orderID},
		queue.WithMaxAttempts(WithdrawMaxAttempts),
		queue.WithBackoff(queue.BackoffExponential, WithdrawBackoffBase))
	return err
}

// checkExhausted keeps the chain alive when a link failed on infrastructure
// errors; the timeout still bounds it.
func (o *Orchestrator) checkExhausted(ctx context.Context, job queue.Job, cause error) {
	var p CheckPaymentPayload
	if err := job.Decode(&p); err != nil || p.FollowUp {
		return
	}
	o.logger.Warn("Payment check link exhausted, continuing chain",
		zap.String("order_id", p.OrderID),
		zap.Int("attempt", p.Attempt),
		zap.Error(cause))
	if err := o.rescheduleCheck(ctx, p.OrderID, p.Attempt+1); err != nil {
		o.logger.Error("Failed to continue payment check chain", zap.String("order_id", p.OrderID), zap.Error(err))
	}
}
