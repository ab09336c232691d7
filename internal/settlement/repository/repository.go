// Package repository provides data access layer for the settlement module
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

// Repository implements interfaces.Repository on gorm
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ interfaces.Repository = (*Repository)(nil)

// NewRepository creates a new settlement repository
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.Named("repository"),
		now:    time.Now,
	}
}

// Models lists every table owned by the settlement module
func Models() []interface{} {
	return []interface{}{
		&interfaces.LedgerSnapshot{},
		&interfaces.Order{},
		&interfaces.PaymentState{},
		&interfaces.RefundRecord{},
		&interfaces.IngestionCursor{},
		&interfaces.CampaignParticipation{},
		&interfaces.OrderStateTransition{},
	}
}

// AutoMigrate creates or updates the settlement tables
func (r *Repository) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate settlement tables: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for health checks
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, interfaces.ErrNotFound)
	}
	return fmt.Errorf("load %s %s: %w", what, id, err)
}

// Snapshot operations

// GetSnapshot retrieves a recorded snapshot by id
func (r *Repository) GetSnapshot(ctx context.Context, snapshotID string) (*interfaces.LedgerSnapshot, error) {
	var snap interfaces.LedgerSnapshot
	if err := r.db.WithContext(ctx).Where("snapshot_id = ?", snapshotID).First(&snap).Error; err != nil {
		return nil, notFound(err, "snapshot", snapshotID)
	}
	return &snap, nil
}

// RecordSnapshot inserts a snapshot unless its id was seen before. It reports
// whether this call created the row.
func (r *Repository) RecordSnapshot(ctx context.Context, snap *interfaces.LedgerSnapshot) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "snapshot_id"}}, DoNothing: true}).
		Create(snap)
	if res.Error != nil {
		return false, fmt.Errorf("record snapshot %s: %w", snap.SnapshotID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetSnapshotDisposition updates the pipeline bookkeeping of a snapshot
func (r *Repository) SetSnapshotDisposition(ctx context.Context, snapshotID string, disposition interfaces.SnapshotDisposition) error {
	return r.db.WithContext(ctx).Model(&interfaces.LedgerSnapshot{}).
		Where("snapshot_id = ?", snapshotID).
		Update("disposition", disposition).Error
}

// Cursor operations

// GetCursor returns the persisted poller position
func (r *Repository) GetCursor(ctx context.Context, name string) (time.Time, bool, error) {
	var c interfaces.IngestionCursor
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load cursor %s: %w", name, err)
	}
	return c.Cursor, true, nil
}

// SaveCursor upserts the poller position
func (r *Repository) SaveCursor(ctx context.Context, name string, cursor time.Time) error {
	c := interfaces.IngestionCursor{Name: name, Cursor: cursor, UpdatedAt: r.now()}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at"}),
		}).
		Create(&c).Error
}

// Order operations

// GetOrder retrieves an order by id
func (r *Repository) GetOrder(ctx context.Context, orderID string) (*interfaces.Order, error) {
	var order interfaces.Order
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return nil, notFound(err, "order", orderID)
	}
	return &order, nil
}

// CreateOrder inserts an order with its payment state in one transaction. A
// concurrent creator winning the race yields ErrConcurrentUpdate.
func (r *Repository) CreateOrder(ctx context.Context, order *interfaces.Order, payment *interfaces.PaymentState) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).Create(order)
		if res.Error != nil {
			return fmt.Errorf("create order %s: %w", order.OrderID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("order %s already exists: %w", order.OrderID, interfaces.ErrConcurrentUpdate)
		}
		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("create payment state %s: %w", order.OrderID, err)
		}
		return tx.Create(&interfaces.OrderStateTransition{
			OrderID:   order.OrderID,
			FromState: string(interfaces.OrderStateCreated),
			ToState:   string(order.State),
			Reason:    "first matching snapshot",
		}).Error
	})
}

// CompareAndSetState moves an order from one state to another only if it is
// still in the expected state, and records the transition. It reports whether
// the update applied.
func (r *Repository) CompareAndSetState(ctx context.Context, orderID string, from, to interfaces.OrderState, reason string) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"state":      to,
			"updated_at": r.now(),
		}
		if to == interfaces.OrderStateFailed {
			updates["failure_reason"] = reason
		}
		res := tx.Model(&interfaces.Order{}).
			Where("order_id = ? AND state = ?", orderID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return tx.Create(&interfaces.OrderStateTransition{
			OrderID:   orderID,
			FromState: string(from),
			ToState:   string(to),
			Reason:    reason,
		}).Error
	})
	if err != nil {
		return false, fmt.Errorf("transition order %s %s->%s: %w", orderID, from, to, err)
	}
	return applied, nil
}

// SetWithdrawalRef stores the ledger reference of a submitted withdrawal
func (r *Repository) SetWithdrawalRef(ctx context.Context, orderID string, leg interfaces.Leg, ref string) error {
	var column string
	switch leg {
	case interfaces.LegBase:
		column = "base_withdrawal_ref"
	case interfaces.LegQuote:
		column = "quote_withdrawal_ref"
	default:
		return fmt.Errorf("no withdrawal ref for leg %s", leg)
	}
	return r.db.WithContext(ctx).Model(&interfaces.Order{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{column: ref, "updated_at": r.now()}).Error
}

// Payment state operations

// GetPaymentState retrieves the payment state of an order
func (r *Repository) GetPaymentState(ctx context.Context, orderID string) (*interfaces.PaymentState, error) {
	var ps interfaces.PaymentState
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&ps).Error; err != nil {
		return nil, notFound(err, "payment state", orderID)
	}
	return &ps, nil
}

// ApplySnapshot persists a credited payment state and attributes the snapshot
// to it atomically. The payment row is updated only while open and at the
// version it was read at, the snapshot only if it was not applied before; any
// conflict rolls back and returns ErrConcurrentUpdate.
func (r *Repository) ApplySnapshot(ctx context.Context, payment *interfaces.PaymentState, snapshotID string, leg interfaces.Leg) error {
	now := r.now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&interfaces.PaymentState{}).
			Where("order_id = ? AND version = ? AND closed_at IS NULL", payment.OrderID, payment.Version).
			Updates(map[string]interface{}{
				"base_amount":           payment.BaseAmount,
				"base_snapshot_id":      payment.BaseSnapshotID,
				"quote_amount":          payment.QuoteAmount,
				"quote_snapshot_id":     payment.QuoteSnapshotID,
				"base_fee_amount":       payment.BaseFeeAmount,
				"base_fee_snapshot_id":  payment.BaseFeeSnapshotID,
				"quote_fee_amount":      payment.QuoteFeeAmount,
				"quote_fee_snapshot_id": payment.QuoteFeeSnapshotID,
				"version":               payment.Version + 1,
				"updated_at":            now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("payment state %s version %d: %w", payment.OrderID, payment.Version, interfaces.ErrConcurrentUpdate)
		}

		res = tx.Model(&interfaces.LedgerSnapshot{}).
			Where("snapshot_id = ? AND applied_at IS NULL", snapshotID).
			Updates(map[string]interface{}{
				"disposition": interfaces.SnapshotApplied,
				"order_id":    payment.OrderID,
				"leg":         leg,
				"applied_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("snapshot %s already applied: %w", snapshotID, interfaces.ErrConcurrentUpdate)
		}
		return nil
	})
	if err != nil {
		return err
	}
	payment.Version++
	payment.UpdatedAt = now
	return nil
}

// MarkPaymentComplete flips the aggregate payment state and closes the row,
// but only at the version the completeness decision was made on.
func (r *Repository) MarkPaymentComplete(ctx context.Context, orderID string, version int64) error {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&interfaces.PaymentState{}).
		Where("order_id = ? AND version = ? AND closed_at IS NULL", orderID, version).
		Updates(map[string]interface{}{
			"state":      interfaces.PaymentComplete,
			"closed_at":  now,
			"version":    version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete payment %s version %d: %w", orderID, version, interfaces.ErrConcurrentUpdate)
	}
	return nil
}

// ClosePayment stops further crediting of an order. Bumping the version makes
// any credit computed before the close lose its conditional update.
func (r *Repository) ClosePayment(ctx context.Context, orderID string) error {
	now := r.now()
	return r.db.WithContext(ctx).Model(&interfaces.PaymentState{}).
		Where("order_id = ? AND closed_at IS NULL", orderID).
		Updates(map[string]interface{}{
			"closed_at":  now,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}).Error
}

// MarkRefunded sets the refund marker once; later calls keep the first time
func (r *Repository) MarkRefunded(ctx context.Context, orderID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&interfaces.PaymentState{}).
		Where("order_id = ? AND refunded_at IS NULL", orderID).
		Updates(map[string]interface{}{"refunded_at": at, "updated_at": r.now()}).Error
}

// Refund operations

// ClaimRefund inserts a pending refund record under its key. It reports
// whether the caller should issue the transfer: true for a new claim or a
// claim left pending by an interrupted pass, false once sent or failed.
func (r *Repository) ClaimRefund(ctx context.Context, record *interfaces.RefundRecord) (bool, error) {
	record.Status = interfaces.RefundPending
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "refund_key"}}, DoNothing: true}).
		Create(record)
	if res.Error != nil {
		return false, fmt.Errorf("claim refund %s: %w", record.RefundKey, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var existing interfaces.RefundRecord
	if err := r.db.WithContext(ctx).Where("refund_key = ?", record.RefundKey).First(&existing).Error; err != nil {
		return false, notFound(err, "refund", record.RefundKey)
	}
	*record = existing
	return existing.Status == interfaces.RefundPending, nil
}

// CompleteRefund marks a refund as sent
func (r *Repository) CompleteRefund(ctx context.Context, refundKey, transferRef string) error {
	return r.db.WithContext(ctx).Model(&interfaces.RefundRecord{}).
		Where("refund_key = ?", refundKey).
		Updates(map[string]interface{}{
			"status":       interfaces.RefundSent,
			"transfer_ref": transferRef,
			"updated_at":   r.now(),
		}).Error
}

// FailRefund marks a refund as failed for manual reconciliation
func (r *Repository) FailRefund(ctx context.Context, refundKey, reason string) error {
	return r.db.WithContext(ctx).Model(&interfaces.RefundRecord{}).
		Where("refund_key = ?", refundKey).
		Updates(map[string]interface{}{
			"status":     interfaces.RefundFailed,
			"error":      reason,
			"updated_at": r.now(),
		}).Error
}

// ListRefunds returns all refund records of an order
func (r *Repository) ListRefunds(ctx context.Context, orderID string) ([]*interfaces.RefundRecord, error) {
	var records []*interfaces.RefundRecord
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&records).Error
	return records, err
}

// UpsertParticipation writes the local campaign participation record
func (r *Repository) UpsertParticipation(ctx context.Context, p *interfaces.CampaignParticipation) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"external_joined", "external_ref", "joined_at"}),
		}).
		Create(p).Error
}

// GetParticipation retrieves the campaign participation of an order
func (r *Repository) GetParticipation(ctx context.Context, orderID string) (*interfaces.CampaignParticipation, error) {
	var p interfaces.CampaignParticipation
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&p).Error; err != nil {
		return nil, notFound(err, "participation", orderID)
	}
	return &p, nil
}

// ListTransitions returns the audit trail of an order, oldest first
func (r *Repository) ListTransitions(ctx context.Context, orderID string) ([]*interfaces.OrderStateTransition, error) {
	var transitions []*interfaces.OrderStateTransition
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&transitions).Error
	return transitions, err
}
