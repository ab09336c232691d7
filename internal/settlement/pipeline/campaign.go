package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/queue"
)

// handleJoinCampaign writes the local participation record, attempting the
// optional external join first without letting it block the order.
func (o *Orchestrator) handleJoinCampaign(ctx context.Context, job queue.Job) error {
	var p OrderPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	order, err := o.loadOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	switch order.State {
	case interfaces.OrderStateWithdrawalConfirmed, interfaces.OrderStateJoiningCampaign:
	case interfaces.OrderStateCampaignJoined:
		return o.enqueueStart(ctx, order.OrderID)
	default:
		return nil
	}
	if ok, err := o.advance(ctx, order, interfaces.OrderStateJoiningCampaign, "joining campaign"); err != nil || !ok {
		return err
	}

	participation := &interfaces.CampaignParticipation{
		OrderID:  order.OrderID,
		UserID:   order.UserID,
		PairID:   order.PairID,
		Exchange: order.Exchange,
		JoinedAt: o.now(),
	}
	if o.campaign != nil {
		ref, err := o.campaign.Join(ctx, interfaces.CampaignJoin{
			OrderID:  order.OrderID,
			UserID:   order.UserID,
			PairID:   order.PairID,
			Exchange: order.Exchange,
		})
		if err != nil {
			o.logger.Warn("External campaign join failed, keeping local participation",
				zap.String("order_id", order.OrderID), zap.Error(err))
		} else {
			participation.ExternalJoined = true
			participation.ExternalRef = ref
		}
	}
	if err := o.repo.UpsertParticipation(ctx, participation); err != nil {
		return err
	}

	if ok, err := o.advance(ctx, order, interfaces.OrderStateCampaignJoined, "campaign joined"); err != nil || !ok {
		return err
	}
	return o.enqueueStart(ctx, order.OrderID)
}

func (o *Orchestrator) enqueueStart(ctx context.Context, orderID string) error {
	_, err := o.enqueue(ctx, JobStart, StartJobID(orderID), OrderPayload{OrderID: orderID})
	return err
}
