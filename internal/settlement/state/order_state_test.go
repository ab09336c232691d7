package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Aidin1998/mmbot/internal/settlement/events"
	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/repository"
)

func setup(t *testing.T) (*OrderStateMachine, *repository.Repository, *events.MemoryPublisher) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	log := zaptest.NewLogger(t)
	repo := repository.NewRepository(db, log)
	require.NoError(t, repo.AutoMigrate(context.Background()))

	pub := &events.MemoryPublisher{}
	return NewOrderStateMachine(repo, pub, log), repo, pub
}

func createPending(t *testing.T, repo *repository.Repository, id string) {
	t.Helper()
	require.NoError(t, repo.CreateOrder(context.Background(),
		&interfaces.Order{OrderID: id, State: interfaces.OrderStatePaymentPending},
		&interfaces.PaymentState{OrderID: id, State: interfaces.PaymentPending}))
}

func TestIsValidTransition(t *testing.T) {
	assert.True(t, IsValidTransition(interfaces.OrderStatePaymentPending, interfaces.OrderStatePaymentComplete))
	assert.True(t, IsValidTransition(interfaces.OrderStateRunning, interfaces.OrderStateStopped))
	assert.False(t, IsValidTransition(interfaces.OrderStatePaymentPending, interfaces.OrderStateRunning))
	assert.False(t, IsValidTransition(interfaces.OrderStateFailed, interfaces.OrderStatePaymentPending))
	assert.False(t, IsValidTransition(interfaces.OrderStateStopped, interfaces.OrderStateRunning))
}

func TestTransitionPublishesOnce(t *testing.T) {
	m, _, pub := setup(t)
	ctx := context.Background()
	createPending(t, m.repository.(*repository.Repository), "o1")

	ok, err := m.Transition(ctx, "o1", interfaces.OrderStatePaymentPending, interfaces.OrderStatePaymentComplete, "funded")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Transition(ctx, "o1", interfaces.OrderStatePaymentPending, interfaces.OrderStatePaymentComplete, "funded")
	require.NoError(t, err)
	assert.False(t, ok)

	evs := pub.Events("o1")
	require.Len(t, evs, 1)
	assert.Equal(t, interfaces.OrderStatePaymentComplete, evs[0].To)
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	m, repo, _ := setup(t)
	createPending(t, repo, "o1")

	_, err := m.Transition(context.Background(), "o1", interfaces.OrderStatePaymentPending, interfaces.OrderStateRunning, "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)
}

func TestFail(t *testing.T) {
	m, repo, _ := setup(t)
	ctx := context.Background()
	createPending(t, repo, "o1")

	from, ok, err := m.Fail(ctx, "o1", "payment timeout")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, interfaces.OrderStatePaymentPending, from)

	order, err := repo.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.OrderStateFailed, order.State)
	assert.Equal(t, "payment timeout", order.FailureReason)

	_, ok, err = m.Fail(ctx, "o1", "again")
	require.NoError(t, err)
	assert.False(t, ok)
}
