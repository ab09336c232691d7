package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByOrder(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, zaptest.NewLogger(t))

	ev := OrderStateChanged{
		OrderID:    "order-1",
		From:       interfaces.OrderStatePaymentPending,
		To:         interfaces.OrderStatePaymentComplete,
		OccurredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.PublishStateChange(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "order-1", string(w.msgs[0].Key))

	var decoded OrderStateChanged
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, interfaces.OrderStatePaymentComplete, decoded.To)
}

func TestKafkaPublisherErrorsAndClose(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, zaptest.NewLogger(t))

	err := p.PublishStateChange(context.Background(), OrderStateChanged{OrderID: "o"})
	assert.Error(t, err)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
	assert.Error(t, p.PublishStateChange(context.Background(), OrderStateChanged{OrderID: "o"}))
}

func TestMemoryPublisherFilters(t *testing.T) {
	p := &MemoryPublisher{}
	ctx := context.Background()
	require.NoError(t, p.PublishStateChange(ctx, OrderStateChanged{OrderID: "a"}))
	require.NoError(t, p.PublishStateChange(ctx, OrderStateChanged{OrderID: "b"}))

	assert.Len(t, p.Events(""), 2)
	assert.Len(t, p.Events("a"), 1)
}
