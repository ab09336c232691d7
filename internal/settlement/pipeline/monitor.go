package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/queue"
)

// handleMonitor waits until both submitted withdrawals report a confirmation
// and a transaction hash, polling every 30s within the attempt budget and
// the wall-clock timeout measured from the first link.
func (o *Orchestrator) handleMonitor(ctx context.Context, job queue.Job) error {
	var p MonitorPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	order, err := o.loadOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if order.State != interfaces.OrderStateWithdrawing {
		return nil
	}
	log := o.logger.With(zap.String("order_id", order.OrderID), zap.Int("attempt", p.Attempt))

	confirmed := true
	for _, ref := range []string{order.BaseWithdrawalRef, order.QuoteWithdrawalRef} {
		if ref == "" {
			confirmed = false
			continue
		}
		c, err := o.ledger.FetchConfirmation(ctx, ref)
		if err != nil {
			log.Warn("Confirmation lookup failed", zap.String("ref", ref), zap.Error(err))
			confirmed = false
			continue
		}
		if !c.Confirmed() {
			confirmed = false
		}
	}

	if confirmed {
		if ok, err := o.advance(ctx, order, interfaces.OrderStateWithdrawalConfirmed, "withdrawals confirmed"); err != nil || !ok {
			return err
		}
		_, err := o.enqueue(ctx, JobJoinCampaign, JoinCampaignJobID(order.OrderID), OrderPayload{OrderID: order.OrderID})
		return err
	}
	return o.rescheduleMonitor(ctx, p)
}

func (o *Orchestrator) rescheduleMonitor(ctx context.Context, p MonitorPayload) error {
	next := p.Attempt + 1
	elapsed := o.now().Sub(p.FirstEnqueuedAt)
	if next >= MonitorBudget || elapsed > MonitorTimeout {
		reason := fmt.Sprintf("withdrawal not confirmed after %d checks over %s", next, elapsed.Round(time.Second))
		o.logger.Warn("Withdrawal confirmation timed out", zap.String("order_id", p.OrderID), zap.String("reason", reason))
		return o.failAndCompensate(ctx, p.OrderID, reason)
	}
	_, err := o.enqueue(ctx, JobMonitor, MonitorJobID(p.OrderID, next),
		MonitorPayload{OrderID: p.OrderID, Attempt: next, FirstEnqueuedAt: p.FirstEnqueuedAt},
		queue.At(o.now().Add(MonitorDelay)))
	return err
}

func (o *Orchestrator) monitorExhausted(ctx context.Context, job queue.Job, cause error) {
	var p MonitorPayload
	if err := job.Decode(&p); err != nil {
		return
	}
	o.logger.Warn("Monitor link exhausted, continuing chain", zap.String("order_id", p.OrderID), zap.Error(cause))
	if err := o.rescheduleMonitor(ctx, p); err != nil {
		o.logger.Error("Failed to continue monitor chain", zap.String("order_id", p.OrderID), zap.Error(err))
	}
}
