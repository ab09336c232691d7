package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/memo"
	"github.com/Aidin1998/mmbot/internal/settlement/queue"
)

// handleProcessSnapshot routes a snapshot through the memo router into the
// payment aggregator, or refunds it when it cannot fund its order.
func (o *Orchestrator) handleProcessSnapshot(ctx context.Context, job queue.Job) error {
	var p ProcessSnapshotPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	snap, err := o.repo.GetSnapshot(ctx, p.SnapshotID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	log := o.logger.With(zap.String("snapshot_id", snap.SnapshotID))

	switch snap.Disposition {
	case interfaces.SnapshotDropped, interfaces.SnapshotIgnored, interfaces.SnapshotRefunded:
		return nil
	case interfaces.SnapshotApplied:
		// Redelivered after the credit committed; make sure a check follows.
		return o.scheduleChecks(ctx, snap.OrderID, snap.SnapshotID)
	}

	m, err := memo.Decode(snap.Memo)
	if err != nil {
		log.Debug("Dropping snapshot with undecodable memo", zap.Error(err))
		return o.repo.SetSnapshotDisposition(ctx, snap.SnapshotID, interfaces.SnapshotDropped)
	}
	if !m.Known() {
		log.Debug("Dropping snapshot with unknown memo tag", zap.String("type", string(m.Type)))
		return o.repo.SetSnapshotDisposition(ctx, snap.SnapshotID, interfaces.SnapshotDropped)
	}
	if m.Type != memo.MarketMaking {
		log.Info("Ignoring snapshot for unsupported trading type", zap.String("type", string(m.Type)))
		return o.repo.SetSnapshotDisposition(ctx, snap.SnapshotID, interfaces.SnapshotIgnored)
	}
	intent, err := m.MarketMaking()
	if err != nil {
		return o.refundSnapshot(ctx, snap, "", fmt.Sprintf("invalid market making memo: %v", err))
	}
	log = log.With(zap.String("order_id", intent.OrderID), zap.String("pair_id", intent.PairID))

	pair, ok, err := o.pairs.Pair(ctx, intent.PairID)
	if err != nil {
		return fmt.Errorf("%w: pair lookup: %v", interfaces.ErrTransientInfra, err)
	}
	if !ok || !pair.Enabled {
		return o.configurationMissing(ctx, snap, intent, !ok)
	}

	order, ps, created, err := o.aggregator.Open(ctx, intent.OrderID, snap.OpponentID, pair)
	if err != nil {
		return err
	}
	if order.PairID != intent.PairID {
		return o.refundSnapshot(ctx, snap, order.OrderID, fmt.Sprintf("memo pair %s does not match order pair %s", intent.PairID, order.PairID))
	}
	if order.State != interfaces.OrderStatePaymentPending || ps.ClosedAt != nil {
		return o.refundSnapshot(ctx, snap, order.OrderID, fmt.Sprintf("order is %s, no longer accepting payment", order.State))
	}

	leg, err := o.aggregator.Apply(ctx, ps, snap)
	if errors.Is(err, interfaces.ErrUnknownAsset) {
		// The order may have been opened by this snapshot; the check chain
		// bounds it with the payment timeout.
		if err := o.scheduleChecks(ctx, order.OrderID, snap.SnapshotID); err != nil {
			return err
		}
		return o.refundSnapshot(ctx, snap, order.OrderID, err.Error())
	}
	if err != nil {
		return err
	}
	log.Info("Snapshot credited", zap.String("leg", string(leg)), zap.Bool("order_created", created))
	return o.scheduleChecks(ctx, order.OrderID, snap.SnapshotID)
}

// scheduleChecks starts the check chain for the order's first snapshot and
// adds a one-off follow-up check for every later one.
func (o *Orchestrator) scheduleChecks(ctx context.Context, orderID, snapshotID string) error {
	started, err := o.enqueue(ctx, JobCheckPayment, CheckPaymentJobID(orderID, 0),
		CheckPaymentPayload{OrderID: orderID, Attempt: 0})
	if err != nil || started {
		return err
	}
	_, err = o.enqueue(ctx, JobCheckPayment, FollowUpCheckJobID(orderID, snapshotID),
		CheckPaymentPayload{OrderID: orderID, FollowUp: true, SnapshotID: snapshotID})
	return err
}

func (o *Orchestrator) refundSnapshot(ctx context.Context, snap *interfaces.LedgerSnapshot, orderID, reason string) error {
	o.logger.Warn("Refunding snapshot",
		zap.String("snapshot_id", snap.SnapshotID),
		zap.String("order_id", orderID),
		zap.String("asset_id", snap.AssetID),
		zap.String("amount", snap.Amount.String()),
		zap.String("reason", reason))
	_, err := o.compensation.RefundSnapshot(ctx, snap, orderID, reason)
	return err
}

// configurationMissing refunds a snapshot for an absent or disabled pair and
// fails a still-pending order it belongs to.
func (o *Orchestrator) configurationMissing(ctx context.Context, snap *interfaces.LedgerSnapshot, intent memo.MarketMakingIntent, absent bool) error {
	reason := fmt.Sprintf("%v: pair %s disabled", interfaces.ErrConfigurationMissing, intent.PairID)
	if absent {
		reason = fmt.Sprintf("%v: pair %s not found", interfaces.ErrConfigurationMissing, intent.PairID)
	}
	if err := o.refundSnapshot(ctx, snap, intent.OrderID, reason); err != nil {
		return err
	}

	order, err := o.repo.GetOrder(ctx, intent.OrderID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if order.State != interfaces.OrderStatePaymentPending {
		return nil
	}
	return o.failAndCompensate(ctx, order.OrderID, reason)
}
