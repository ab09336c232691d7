// Package state provides order state management for the settlement pipeline
package state

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/events"
	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/pkg/metrics"
)

// ValidTransitions defines allowed order state transitions
var ValidTransitions = map[interfaces.OrderState][]interfaces.OrderState{
	interfaces.OrderStateCreated: {
		interfaces.OrderStatePaymentPending,
	},
	interfaces.OrderStatePaymentPending: {
		interfaces.OrderStatePaymentComplete,
		interfaces.OrderStateFailed,
	},
	interfaces.OrderStatePaymentComplete: {
		interfaces.OrderStateWithdrawing,
		interfaces.OrderStateFailed,
	},
	interfaces.OrderStateWithdrawing: {
		interfaces.OrderStateWithdrawalConfirmed,
		interfaces.OrderStateFailed,
	},
	interfaces.OrderStateWithdrawalConfirmed: {
		interfaces.OrderStateJoiningCampaign,
		interfaces.OrderStateFailed,
	},
	interfaces.OrderStateJoiningCampaign: {
		interfaces.OrderStateCampaignJoined,
		interfaces.OrderStateFailed,
	},
	interfaces.OrderStateCampaignJoined: {
		interfaces.OrderStateRunning,
		interfaces.OrderStateFailed,
	},
	interfaces.OrderStateRunning: {
		interfaces.OrderStateStopped,
		interfaces.OrderStateFailed,
	},
	// Terminal states
	interfaces.OrderStateStopped: {},
	interfaces.OrderStateFailed:  {},
}

// IsValidTransition checks if a state transition is valid
func IsValidTransition(from, to interfaces.OrderState) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrderStateMachine applies conditional order transitions and announces them
type OrderStateMachine struct {
	repository interfaces.Repository
	publisher  events.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

// NewOrderStateMachine creates a new order state machine
func NewOrderStateMachine(repository interfaces.Repository, publisher events.Publisher, logger *zap.Logger) *OrderStateMachine {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &OrderStateMachine{
		repository: repository,
		publisher:  publisher,
		logger:     logger.Named("order-state"),
		now:        time.Now,
	}
}

// Transition moves the order from -> to if it is still in from. It reports
// false without error when another worker already moved the order on.
func (m *OrderStateMachine) Transition(ctx context.Context, orderID string, from, to interfaces.OrderState, reason string) (bool, error) {
	if !IsValidTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", interfaces.ErrInvalidTransition, from, to)
	}

	applied, err := m.repository.CompareAndSetState(ctx, orderID, from, to, reason)
	if err != nil {
		return false, err
	}
	if !applied {
		m.logger.Debug("Order transition skipped, state moved on",
			zap.String("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return false, nil
	}

	metrics.OrderTransitions.WithLabelValues(string(to)).Inc()
	m.logger.Info("Order state changed",
		zap.String("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))

	if err := m.publisher.PublishStateChange(ctx, events.OrderStateChanged{
		OrderID:    orderID,
		From:       from,
		To:         to,
		Reason:     reason,
		OccurredAt: m.now(),
	}); err != nil {
		m.logger.Warn("Order event not published", zap.String("order_id", orderID), zap.Error(err))
	}
	return true, nil
}

// Fail moves the order to failed from whatever non-terminal state it is in.
// It reports the state the order failed from, or false if it was already terminal.
func (m *OrderStateMachine) Fail(ctx context.Context, orderID, reason string) (interfaces.OrderState, bool, error) {
	order, err := m.repository.GetOrder(ctx, orderID)
	if err != nil {
		return "", false, err
	}
	if order.State.Terminal() {
		return order.State, false, nil
	}
	ok, err := m.Transition(ctx, orderID, order.State, interfaces.OrderStateFailed, reason)
	if err != nil || !ok {
		return order.State, false, err
	}
	return order.State, true, nil
}
