// Package events publishes order lifecycle events
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

// OrderStateChanged is emitted after every applied order transition
type OrderStateChanged struct {
	OrderID    string                `json:"order_id"`
	From       interfaces.OrderState `json:"from"`
	To         interfaces.OrderState `json:"to"`
	Reason     string                `json:"reason,omitempty"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// Publisher delivers order events to downstream consumers
type Publisher interface {
	PublishStateChange(ctx context.Context, event OrderStateChanged) error
	Close() error
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) PublishStateChange(context.Context, OrderStateChanged) error { return nil }
func (NopPublisher) Close() error                                               { return nil }

// MemoryPublisher keeps events in process, used by paper mode and tests
type MemoryPublisher struct {
	mu     sync.Mutex
	events []OrderStateChanged
}

func (p *MemoryPublisher) PublishStateChange(_ context.Context, event OrderStateChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// Events returns a copy of the published events for one order, or all events when orderID is empty
func (p *MemoryPublisher) Events(orderID string) []OrderStateChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderStateChanged, 0, len(p.events))
	for _, e := range p.events {
		if orderID == "" || e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig contains configuration options for KafkaPublisher
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
	RetryMax     int
}

// KafkaPublisher writes order events to a Kafka topic keyed by order id, so
// every event of an order lands on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewKafkaPublisher creates a synchronous publisher for order events
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 5 * time.Millisecond
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = 1
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.CRC32Balancer{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.RetryMax,
		Compression:  kafka.Snappy,
	}
	return newKafkaPublisher(writer, logger)
}

func newKafkaPublisher(w messageWriter, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, logger: logger.Named("events")}
}

// PublishStateChange serialises the event and writes it under the order id key
func (p *KafkaPublisher) PublishStateChange(ctx context.Context, event OrderStateChanged) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("kafka publisher is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.OrderID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte("mmbot-settlement")},
			{Key: "event", Value: []byte("order_state_changed")},
			{Key: "timestamp", Value: []byte(event.OccurredAt.UTC().Format(time.RFC3339Nano))},
		},
		Time: event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("Failed to publish order event",
			zap.String("order_id", event.OrderID),
			zap.String("to", string(event.To)),
			zap.Error(err))
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}
