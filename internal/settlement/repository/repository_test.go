package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := NewRepository(db, zaptest.NewLogger(t))
	require.NoError(t, repo.AutoMigrate(context.Background()))
	return repo
}

func seedOrder(t *testing.T, repo *Repository) (*interfaces.Order, *interfaces.PaymentState) {
	t.Helper()
	id := uuid.NewString()
	order := &interfaces.Order{
		OrderID:  id,
		UserID:   "user-1",
		PairID:   "btc-usdt",
		Pair:     "BTC/USDT",
		Exchange: "binance",
		State:    interfaces.OrderStatePaymentPending,
	}
	ps := &interfaces.PaymentState{
		OrderID:          id,
		UserID:           "user-1",
		BaseAssetID:      "btc",
		QuoteAssetID:     "usdt",
		BaseFeeAssetID:   "btc",
		QuoteFeeAssetID:  "usdt",
		RequiredBaseFee:  decimal.RequireFromString("0.0001"),
		RequiredQuoteFee: decimal.RequireFromString("5"),
		State:            interfaces.PaymentPending,
	}
	require.NoError(t, repo.CreateOrder(context.Background(), order, ps))
	return order, ps
}

func TestRecordSnapshotDeduplicates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	snap := &interfaces.LedgerSnapshot{
		SnapshotID:  "snap-1",
		AssetID:     "btc",
		Amount:      decimal.RequireFromString("0.001"),
		CreatedAt:   time.Now(),
		Disposition: interfaces.SnapshotReceived,
	}
	inserted, err := repo.RecordSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.True(t, inserted)

	again := *snap
	again.Amount = decimal.RequireFromString("99")
	inserted, err = repo.RecordSnapshot(ctx, &again)
	require.NoError(t, err)
	assert.False(t, inserted)

	stored, err := repo.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(decimal.RequireFromString("0.001")))

	_, err = repo.GetSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestCursorUpsert(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, ok, err := repo.GetCursor(ctx, "snapshots")
	require.NoError(t, err)
	assert.False(t, ok)

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveCursor(ctx, "snapshots", first))
	second := first.Add(time.Hour)
	require.NoError(t, repo.SaveCursor(ctx, "snapshots", second))

	got, ok, err := repo.GetCursor(ctx, "snapshots")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(second))
}

func TestCreateOrderTwiceIsConcurrentUpdate(t *testing.T) {
	repo := newTestRepository(t)
	order, ps := seedOrder(t, repo)

	dup := *order
	dupPS := *ps
	err := repo.CreateOrder(context.Background(), &dup, &dupPS)
	assert.ErrorIs(t, err, interfaces.ErrConcurrentUpdate)
}

func TestCompareAndSetState(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	order, _ := seedOrder(t, repo)

	ok, err := repo.CompareAndSetState(ctx, order.OrderID, interfaces.OrderStatePaymentPending, interfaces.OrderStatePaymentComplete, "complete")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CompareAndSetState(ctx, order.OrderID, interfaces.OrderStatePaymentPending, interfaces.OrderStateFailed, "timeout")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repo.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.OrderStatePaymentComplete, stored.State)
	assert.Empty(t, stored.FailureReason)

	transitions, err := repo.ListTransitions(ctx, order.OrderID)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, "created", transitions[0].FromState)
	assert.Equal(t, "payment_complete", transitions[1].ToState)
}

func TestApplySnapshotOptimisticVersion(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	order, _ := seedOrder(t, repo)

	for _, id := range []string{"s1", "s2"} {
		_, err := repo.RecordSnapshot(ctx, &interfaces.LedgerSnapshot{SnapshotID: id, AssetID: "btc", Amount: decimal.NewFromInt(1), CreatedAt: time.Now()})
		require.NoError(t, err)
	}

	first, err := repo.GetPaymentState(ctx, order.OrderID)
	require.NoError(t, err)
	stale, err := repo.GetPaymentState(ctx, order.OrderID)
	require.NoError(t, err)

	first.Credit(interfaces.LegBase, decimal.RequireFromString("0.001"), "s1")
	require.NoError(t, repo.ApplySnapshot(ctx, first, "s1", interfaces.LegBase))
	assert.EqualValues(t, 1, first.Version)

	stale.Credit(interfaces.LegBase, decimal.RequireFromString("0.5"), "s2")
	err = repo.ApplySnapshot(ctx, stale, "s2", interfaces.LegBase)
	assert.ErrorIs(t, err, interfaces.ErrConcurrentUpdate)

	stored, err := repo.GetPaymentState(ctx, order.OrderID)
	require.NoError(t, err)
	assert.True(t, stored.BaseAmount.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, "s1", stored.BaseSnapshotID)

	snap, err := repo.GetSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.SnapshotApplied, snap.Disposition)
	assert.Equal(t, order.OrderID, snap.OrderID)
	assert.NotNil(t, snap.AppliedAt)

	// s2 must still be applicable after reloading.
	snap2, err := repo.GetSnapshot(ctx, "s2")
	require.NoError(t, err)
	assert.Nil(t, snap2.AppliedAt)
}

func TestApplySnapshotRejectsReplay(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	order, _ := seedOrder(t, repo)
	_, err := repo.RecordSnapshot(ctx, &interfaces.LedgerSnapshot{SnapshotID: "s1", AssetID: "btc", Amount: decimal.NewFromInt(1), CreatedAt: time.Now()})
	require.NoError(t, err)

	ps, err := repo.GetPaymentState(ctx, order.OrderID)
	require.NoError(t, err)
	ps.Credit(interfaces.LegBase, decimal.NewFromInt(1), "s1")
	require.NoError(t, repo.ApplySnapshot(ctx, ps, "s1", interfaces.LegBase))

	ps.Credit(interfaces.LegBase, decimal.NewFromInt(1), "s1")
	assert.ErrorIs(t, repo.ApplySnapshot(ctx, ps, "s1", interfaces.LegBase), interfaces.ErrConcurrentUpdate)

	stored, err := repo.GetPaymentState(ctx, order.OrderID)
	require.NoError(t, err)
	assert.True(t, stored.BaseAmount.Equal(decimal.NewFromInt(1)))
}

func TestRefundClaims(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec := &interfaces.RefundRecord{RefundKey: "order:1:btc", OrderID: "1", UserID: "u", AssetID: "btc", Amount: decimal.NewFromInt(1)}
	claimed, err := repo.ClaimRefund(ctx, rec)
	require.NoError(t, err)
	assert.True(t, claimed)

	// An interrupted pass left it pending: the caller may retry with the same trace id.
	again := &interfaces.RefundRecord{RefundKey: "order:1:btc", OrderID: "1"}
	claimed, err = repo.ClaimRefund(ctx, again)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, repo.CompleteRefund(ctx, "order:1:btc", "tx-1"))
	claimed, err = repo.ClaimRefund(ctx, &interfaces.RefundRecord{RefundKey: "order:1:btc"})
	require.NoError(t, err)
	assert.False(t, claimed)

	failed := &interfaces.RefundRecord{RefundKey: "order:1:usdt", OrderID: "1", AssetID: "usdt"}
	_, err = repo.ClaimRefund(ctx, failed)
	require.NoError(t, err)
	require.NoError(t, repo.FailRefund(ctx, "order:1:usdt", "ledger down"))
	claimed, err = repo.ClaimRefund(ctx, &interfaces.RefundRecord{RefundKey: "order:1:usdt"})
	require.NoError(t, err)
	assert.False(t, claimed)

	records, err := repo.ListRefunds(ctx, "1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, interfaces.RefundSent, records[0].Status)
	assert.Equal(t, "tx-1", records[0].TransferRef)
	assert.Equal(t, interfaces.RefundFailed, records[1].Status)
}

func TestMarkRefundedKeepsFirstTimestamp(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	order, _ := seedOrder(t, repo)

	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.MarkRefunded(ctx, order.OrderID, first))
	require.NoError(t, repo.MarkRefunded(ctx, order.OrderID, first.Add(time.Hour)))

	ps, err := repo.GetPaymentState(ctx, order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, ps.RefundedAt)
	assert.True(t, ps.RefundedAt.Equal(first))
}

func TestUpsertParticipation(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	p := &interfaces.CampaignParticipation{OrderID: "o1", UserID: "u", JoinedAt: time.Now()}
	require.NoError(t, repo.UpsertParticipation(ctx, p))
	p.ExternalJoined = true
	p.ExternalRef = "camp-1"
	require.NoError(t, repo.UpsertParticipation(ctx, p))

	stored, err := repo.GetParticipation(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, stored.ExternalJoined)
	assert.Equal(t, "camp-1", stored.ExternalRef)
}

func TestClosedPaymentRejectsCredits(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	order, _ := seedOrder(t, repo)
	_, err := repo.RecordSnapshot(ctx, &interfaces.LedgerSnapshot{SnapshotID: "s1", AssetID: "btc", Amount: decimal.NewFromInt(1), CreatedAt: time.Now()})
	require.NoError(t, err)

	ps, err := repo.GetPaymentState(ctx, order.OrderID)
	require.NoError(t, err)
	require.NoError(t, repo.ClosePayment(ctx, order.OrderID))
	require.NoError(t, repo.ClosePayment(ctx, order.OrderID))

	ps.Credit(interfaces.LegBase, decimal.NewFromInt(1), "s1")
	assert.ErrorIs(t, repo.ApplySnapshot(ctx, ps, "s1", interfaces.LegBase), interfaces.ErrConcurrentUpdate)

	closed, err := repo.GetPaymentState(ctx, order.OrderID)
	require.NoError(t, err)
	assert.NotNil(t, closed.ClosedAt)
	assert.EqualValues(t, 1, closed.Version)
}

func TestMarkPaymentCompleteChecksVersion(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	order, _ := seedOrder(t, repo)

	assert.ErrorIs(t, repo.MarkPaymentComplete(ctx, order.OrderID, 7), interfaces.ErrConcurrentUpdate)
	require.NoError(t, repo.MarkPaymentComplete(ctx, order.OrderID, 0))

	ps, err := repo.GetPaymentState(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PaymentComplete, ps.State)
	assert.NotNil(t, ps.ClosedAt)
	assert.ErrorIs(t, repo.MarkPaymentComplete(ctx, order.OrderID, ps.Version), interfaces.ErrConcurrentUpdate)
}
