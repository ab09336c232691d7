// Package pipeline implements the settlement saga: every stage is a queue
// job that reads the persisted order, acts, and enqueues the next stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/aggregator"
	"github.com/Aidin1998/mmbot/internal/settlement/compensation"
	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/memo"
	"github.com/Aidin1998/mmbot/internal/settlement/queue"
	"github.com/Aidin1998/mmbot/internal/settlement/state"
)

// Dependencies are the collaborators of the orchestrator. Campaign may be nil.
type Dependencies struct {
	Repository   interfaces.Repository
	Queue        queue.Queue
	States       *state.OrderStateMachine
	Aggregator   *aggregator.Aggregator
	Compensation *compensation.Engine
	Pairs        interfaces.PairRegistry
	Ledger       interfaces.LedgerClient
	Exchange     interfaces.ExchangeGateway
	Networks     interfaces.NetworkMapper
	Campaign     interfaces.CampaignClient
	Quoter       interfaces.Quoter
	// Live enables fund-moving withdrawals; otherwise the withdrawal stage
	// resolves its dependencies and then refunds.
	Live   bool
	Logger *zap.Logger
	Now    func() time.Time
}

// Orchestrator registers and runs the pipeline stage handlers
type Orchestrator struct {
	repo         interfaces.Repository
	queue        queue.Queue
	states       *state.OrderStateMachine
	aggregator   *aggregator.Aggregator
	compensation *compensation.Engine
	pairs        interfaces.PairRegistry
	ledger       interfaces.LedgerClient
	exchange     interfaces.ExchangeGateway
	networks     interfaces.NetworkMapper
	campaign     interfaces.CampaignClient
	quoter       interfaces.Quoter
	live         bool
	logger       *zap.Logger
	now          func() time.Time
}

// NewOrchestrator creates a new settlement orchestrator
func NewOrchestrator(deps Dependencies) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		repo:         deps.Repository,
		queue:        deps.Queue,
		states:       deps.States,
		aggregator:   deps.Aggregator,
		compensation: deps.Compensation,
		pairs:        deps.Pairs,
		ledger:       deps.Ledger,
		exchange:     deps.Exchange,
		networks:     deps.Networks,
		campaign:     deps.Campaign,
		quoter:       deps.Quoter,
		live:         deps.Live,
		logger:       deps.Logger.Named("pipeline"),
		now:          now,
	}
}

// Register binds every stage handler and exhaustion hook to the worker
func (o *Orchestrator) Register(w *queue.Worker) {
	w.Register(JobProcessSnapshot, o.handleProcessSnapshot)
	w.Register(JobCheckPayment, o.handleCheckPayment)
	w.Register(JobWithdraw, o.handleWithdraw)
	w.Register(JobMonitor, o.handleMonitor)
	w.Register(JobJoinCampaign, o.handleJoinCampaign)
	w.Register(JobStart, o.handleStart)
	w.Register(JobExecuteCycle, o.handleExecuteCycle)
	w.Register(JobStop, o.handleStop)

	w.OnExhausted(JobProcessSnapshot, o.snapshotExhausted)
	w.OnExhausted(JobCheckPayment, o.checkExhausted)
	w.OnExhausted(JobWithdraw, o.orderExhausted)
	w.OnExhausted(JobMonitor, o.monitorExhausted)
	w.OnExhausted(JobJoinCampaign, o.orderExhausted)
	w.OnExhausted(JobStart, o.orderExhausted)
	w.OnExhausted(JobExecuteCycle, o.cycleExhausted)
}

// EnqueueSnapshot schedules processing of a recorded snapshot. A snapshot id
// is scheduled at most once; a repeat returns queue.ErrDuplicateJob.
func (o *Orchestrator) EnqueueSnapshot(ctx context.Context, snapshotID string) error {
	job, err := queue.NewJob(JobProcessSnapshot, ProcessSnapshotJobID(snapshotID),
		ProcessSnapshotPayload{SnapshotID: snapshotID}, o.now())
	if err != nil {
		return err
	}
	return o.queue.Enqueue(ctx, job)
}

// enqueue submits a stage job; a duplicate id means the stage is already
// scheduled and is reported as false without error.
func (o *Orchestrator) enqueue(ctx context.Context, name, id string, payload interface{}, opts ...queue.Option) (bool, error) {
	job, err := queue.NewJob(name, id, payload, o.now(), opts...)
	if err != nil {
		return false, err
	}
	err = o.queue.Enqueue(ctx, job)
	if errors.Is(err, queue.ErrDuplicateJob) {
		o.logger.Debug("Stage already scheduled", zap.String("job_id", id))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", id, err)
	}
	return true, nil
}

func (o *Orchestrator) loadOrder(ctx context.Context, orderID string) (*interfaces.Order, error) {
	order, err := o.repo.GetOrder(ctx, orderID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, queue.Permanent(err)
	}
	return order, err
}

// advance moves the order from -> to, tolerating a redelivered job that finds
// the order already in to. It reports whether the caller should continue.
func (o *Orchestrator) advance(ctx context.Context, order *interfaces.Order, to interfaces.OrderState, reason string) (bool, error) {
	if order.State == to {
		return true, nil
	}
	ok, err := o.states.Transition(ctx, order.OrderID, order.State, to, reason)
	if err != nil {
		return false, err
	}
	if !ok {
		fresh, err := o.repo.GetOrder(ctx, order.OrderID)
		if err != nil {
			return false, err
		}
		*order = *fresh
		return order.State == to, nil
	}
	order.State = to
	return true, nil
}

// failAndCompensate marks the order failed and refunds every asset it
// received that is still on the ledger. Withdrawn assets are left for manual
// reconciliation. Safe to repeat: refund records and the refunded marker stop
// a second payout.
func (o *Orchestrator) failAndCompensate(ctx context.Context, orderID, reason string) error {
	from, applied, err := o.states.Fail(ctx, orderID, reason)
	if err != nil {
		return err
	}
	if !applied {
		switch from {
		case interfaces.OrderStateFailed:
		case interfaces.OrderStateStopped:
			return nil
		default:
			return fmt.Errorf("fail order %s from %s: %w", orderID, from, interfaces.ErrConcurrentUpdate)
		}
	}

	order, err := o.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := o.repo.ClosePayment(ctx, orderID); err != nil {
		return fmt.Errorf("close payment %s: %w", orderID, err)
	}
	ps, err := o.repo.GetPaymentState(ctx, orderID)
	if err != nil {
		return err
	}

	withdrawn := withdrawnAssets(order, ps)
	if len(withdrawn) > 0 {
		o.logger.Error("Order failed after funds left the ledger, manual reconciliation required",
			zap.String("order_id", orderID),
			zap.Strings("withdrawn_assets", withdrawn),
			zap.String("base_withdrawal", order.BaseWithdrawalRef),
			zap.String("quote_withdrawal", order.QuoteWithdrawalRef),
			zap.String("reason", reason))
		remaining := compensation.BuildRefundMap(ps)
		for _, asset := range withdrawn {
			delete(remaining, asset)
		}
		if len(remaining) == 0 {
			return nil
		}
	}
	if _, err := o.compensation.RefundOrder(ctx, ps, reason, withdrawn...); err != nil {
		return fmt.Errorf("compensate order %s: %w", orderID, err)
	}
	return nil
}

// withdrawnAssets lists the assets of principal legs whose withdrawal was
// submitted. A withdrawal carries every leg funded in its asset.
func withdrawnAssets(order *interfaces.Order, ps *interfaces.PaymentState) []string {
	var out []string
	if order.BaseWithdrawalRef != "" {
		out = append(out, ps.Leg(interfaces.LegBase).AssetID)
	}
	if order.QuoteWithdrawalRef != "" {
		out = append(out, ps.Leg(interfaces.LegQuote).AssetID)
	}
	return out
}

// failOnly marks the order failed without refunding
func (o *Orchestrator) failOnly(ctx context.Context, orderID, reason string) error {
	_, _, err := o.states.Fail(ctx, orderID, reason)
	return err
}

func orderIDOf(job queue.Job) string {
	var p OrderPayload
	if err := job.Decode(&p); err != nil {
		return ""
	}
	return p.OrderID
}

// snapshotExhausted settles a snapshot whose processing ran out of attempts.
// A snapshot that was never credited is refunded so the deposit is not
// stranded; when even that fails the processing job is re-created.
func (o *Orchestrator) snapshotExhausted(ctx context.Context, job queue.Job, cause error) {
	var p ProcessSnapshotPayload
	if err := job.Decode(&p); err != nil {
		o.logger.Error("Undecodable snapshot job exhausted", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	log := o.logger.With(zap.String("snapshot_id", p.SnapshotID), zap.Int("relink", p.Relink))
	log.Warn("Snapshot processing exhausted", zap.Error(cause))

	if err := o.settleExhaustedSnapshot(ctx, p.SnapshotID, cause); err != nil {
		log.Error("Failed to settle exhausted snapshot", zap.Error(err))
		o.relinkSnapshot(ctx, p)
	}
}

func (o *Orchestrator) settleExhaustedSnapshot(ctx context.Context, snapshotID string, cause error) error {
	snap, err := o.repo.GetSnapshot(ctx, snapshotID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch snap.Disposition {
	case interfaces.SnapshotApplied:
		return o.scheduleChecks(ctx, snap.OrderID, snap.SnapshotID)
	case interfaces.SnapshotReceived:
	default:
		return nil
	}

	orderID := ""
	if m, err := memo.Decode(snap.Memo); err == nil {
		if intent, err := m.MarketMaking(); err == nil {
			orderID = intent.OrderID
		}
	}
	if orderID != "" {
		// An order opened by this snapshot still needs a check chain to
		// time it out.
		order, err := o.repo.GetOrder(ctx, orderID)
		switch {
		case errors.Is(err, interfaces.ErrNotFound):
		case err != nil:
			return err
		case order.State == interfaces.OrderStatePaymentPending:
			if err := o.scheduleChecks(ctx, orderID, snap.SnapshotID); err != nil {
				return err
			}
		}
	}
	return o.refundSnapshot(ctx, snap, orderID, fmt.Sprintf("snapshot processing failed: %v", cause))
}

func (o *Orchestrator) relinkSnapshot(ctx context.Context, p ProcessSnapshotPayload) {
	next := p.Relink + 1
	if next > SnapshotRelinkBudget {
		o.logger.Error("Snapshot left unsettled, manual review required",
			zap.String("snapshot_id", p.SnapshotID),
			zap.Int("relinks", p.Relink))
		return
	}
	_, err := o.enqueue(ctx, JobProcessSnapshot, RelinkSnapshotJobID(p.SnapshotID, next),
		ProcessSnapshotPayload{SnapshotID: p.SnapshotID, Relink: next},
		queue.At(o.now().Add(SnapshotRelinkDelay)))
	if err != nil {
		o.logger.Error("Failed to re-create snapshot job", zap.String("snapshot_id", p.SnapshotID), zap.Error(err))
	}
}

// orderExhausted fails the order once a stage ran out of attempts
func (o *Orchestrator) orderExhausted(ctx context.Context, job queue.Job, cause error) {
	orderID := orderIDOf(job)
	if orderID == "" {
		return
	}
	reason := fmt.Sprintf("%s failed after %d attempts: %v", job.Name, job.Attempts, cause)
	if err := o.failAndCompensate(ctx, orderID, reason); err != nil {
		o.logger.Error("Failed to fail order after exhausted stage",
			zap.String("order_id", orderID),
			zap.String("job", job.Name),
			zap.Error(err))
	}
}
