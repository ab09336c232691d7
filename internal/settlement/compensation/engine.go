// Package compensation refunds deposits of orders that cannot complete.
package compensation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/pkg/metrics"
)

// refundNamespace seeds deterministic ledger trace ids for refunds
var refundNamespace = uuid.MustParse("6f1c3a52-8d4e-4f0b-9a57-2c7e1d0b5a91")

// TraceID derives the ledger trace id for a refund key
func TraceID(refundKey string) string {
	return uuid.NewSHA1(refundNamespace, []byte(refundKey)).String()
}

// OrderRefundKey identifies the refund of one asset of an order
func OrderRefundKey(orderID, assetID string) string {
	return fmt.Sprintf("order:%s:%s", orderID, assetID)
}

// SnapshotRefundKey identifies the refund of a single snapshot
func SnapshotRefundKey(snapshotID string) string {
	return "snapshot:" + snapshotID
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

// Result summarises a compensation pass
type Result struct {
	Sent    []string
	Failed  []string
	Skipped []string
}

// BuildRefundMap sums every leg by asset id, so a fee leg sharing its asset
// with a principal leg is refunded in one transfer. Non-positive totals are dropped.
func BuildRefundMap(ps *interfaces.PaymentState) map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for _, b := range ps.Legs() {
		if b.AssetID == "" {
			continue
		}
		totals[b.AssetID] = totals[b.AssetID].Add(b.Amount)
	}
	for asset, amount := range totals {
		if !amount.IsPositive() {
			delete(totals, asset)
		}
	}
	return totals
}

// Engine issues refunds through the ledger
type Engine struct {
	repository interfaces.Repository
	ledger     interfaces.LedgerClient
	logger     *zap.Logger
	now        func() time.Time
}

// NewEngine creates a new compensation engine
func NewEngine(repository interfaces.Repository, ledger interfaces.LedgerClient, logger *zap.Logger) *Engine {
	return &Engine{
		repository: repository,
		ledger:     ledger,
		logger:     logger.Named("compensation"),
		now:        time.Now,
	}
}

// SetClock replaces time.Now
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// RefundOrder returns everything an order received to its owner, one
// transfer per distinct asset. Assets listed in withdrawn already left the
// ledger and are not refunded. Transfer failures are recorded and logged but
// do not stop the remaining assets. Repository failures abort the pass with
// an error; refund records keep a retried pass from paying twice.
func (e *Engine) RefundOrder(ctx context.Context, ps *interfaces.PaymentState, reason string, withdrawn ...string) (Result, error) {
	var res Result
	if ps.RefundedAt != nil {
		e.logger.Info("Order already refunded", zap.String("order_id", ps.OrderID), zap.Time("refunded_at", *ps.RefundedAt))
		return res, nil
	}

	refunds := BuildRefundMap(ps)
	for _, asset := range withdrawn {
		delete(refunds, asset)
	}
	assets := make([]string, 0, len(refunds))
	for asset := range refunds {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		key := OrderRefundKey(ps.OrderID, asset)
		record := &interfaces.RefundRecord{
			RefundKey: key,
			OrderID:   ps.OrderID,
			UserID:    ps.UserID,
			AssetID:   asset,
			Amount:    refunds[asset],
			TraceID:   TraceID(key),
			Reason:    reason,
		}
		sent, err := e.issue(ctx, record, fmt.Sprintf("refund order %s", ps.OrderID))
		if err != nil {
			return res, err
		}
		switch sent {
		case outcomeSkipped:
			res.Skipped = append(res.Skipped, asset)
		case outcomeSent:
			res.Sent = append(res.Sent, asset)
		case outcomeFailed:
			res.Failed = append(res.Failed, asset)
		}
	}

	at := e.now()
	if err := e.repository.MarkRefunded(ctx, ps.OrderID, at); err != nil {
		return res, fmt.Errorf("mark order %s refunded: %w", ps.OrderID, err)
	}
	ps.RefundedAt = &at

	if len(res.Failed) > 0 {
		e.logger.Error("Partial refund failure, manual reconciliation required",
			zap.String("order_id", ps.OrderID),
			zap.Strings("failed_assets", res.Failed),
			zap.Strings("sent_assets", res.Sent))
	} else {
		e.logger.Info("Order refunded",
			zap.String("order_id", ps.OrderID),
			zap.Strings("assets", res.Sent),
			zap.String("reason", reason))
	}
	return res, nil
}

// RefundSnapshot returns a single snapshot to its sender without touching
// any order state.
func (e *Engine) RefundSnapshot(ctx context.Context, snap *interfaces.LedgerSnapshot, orderID, reason string) (bool, error) {
	if snap.OpponentID == "" || !snap.Amount.IsPositive() {
		e.logger.Warn("Snapshot cannot be refunded",
			zap.String("snapshot_id", snap.SnapshotID),
			zap.String("amount", snap.Amount.String()),
			zap.String("reason", reason))
		return false, nil
	}
	key := SnapshotRefundKey(snap.SnapshotID)
	record := &interfaces.RefundRecord{
		RefundKey:  key,
		OrderID:    orderID,
		SnapshotID: snap.SnapshotID,
		UserID:     snap.OpponentID,
		AssetID:    snap.AssetID,
		Amount:     snap.Amount,
		TraceID:    TraceID(key),
		Reason:     reason,
	}
	sent, err := e.issue(ctx, record, fmt.Sprintf("refund snapshot %s", snap.SnapshotID))
	if err != nil {
		return false, err
	}
	if err := e.repository.SetSnapshotDisposition(ctx, snap.SnapshotID, interfaces.SnapshotRefunded); err != nil {
		return false, fmt.Errorf("mark snapshot %s refunded: %w", snap.SnapshotID, err)
	}
	return sent == outcomeSent, nil
}

// issue claims the refund key and performs the transfer
func (e *Engine) issue(ctx context.Context, record *interfaces.RefundRecord, memo string) (outcome, error) {
	claimed, err := e.repository.ClaimRefund(ctx, record)
	if err != nil {
		return outcomeSkipped, err
	}
	if !claimed {
		e.logger.Debug("Refund already settled", zap.String("refund_key", record.RefundKey), zap.String("status", string(record.Status)))
		return outcomeSkipped, nil
	}

	ref, err := e.ledger.Transfer(ctx, interfaces.TransferRequest{
		UserID:  record.UserID,
		AssetID: record.AssetID,
		Amount:  record.Amount,
		Memo:    memo,
		TraceID: record.TraceID,
	})
	if err != nil {
		metrics.RefundsIssued.WithLabelValues("failed").Inc()
		e.logger.Error("Refund transfer failed",
			zap.String("refund_key", record.RefundKey),
			zap.String("user_id", record.UserID),
			zap.String("asset_id", record.AssetID),
			zap.String("amount", record.Amount.String()),
			zap.Error(err))
		if ferr := e.repository.FailRefund(ctx, record.RefundKey, err.Error()); ferr != nil {
			return outcomeFailed, fmt.Errorf("record failed refund %s: %w", record.RefundKey, ferr)
		}
		return outcomeFailed, nil
	}

	metrics.RefundsIssued.WithLabelValues("sent").Inc()
	if err := e.repository.CompleteRefund(ctx, record.RefundKey, ref); err != nil {
		return outcomeSent, fmt.Errorf("record sent refund %s: %w", record.RefundKey, err)
	}
	return outcomeSent, nil
}
