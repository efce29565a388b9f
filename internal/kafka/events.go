package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/trogers1052/signal-executor/internal/logging"
	"github.com/trogers1052/signal-executor/internal/models"
)

const eventSource = "signal-executor"

// EventProducer publishes execution events for operators. Publishing never
// blocks or fails the pipeline; delivery errors are logged.
type EventProducer struct {
	writer messageWriter
	logger *zap.Logger
}

// NewEventProducer creates an async producer for the events topic
func NewEventProducer(brokers []string, topic string, logger *zap.Logger) *EventProducer {
	logger = logging.OrNop(logger).Named("events")
	return &EventProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Warn("failed to deliver execution events", zap.Int("count", len(messages)), zap.Error(err))
				}
			},
		},
		logger: logger,
	}
}

// Publish emits ev keyed by its signal id
func (p *EventProducer) Publish(ctx context.Context, ev models.ExecutionEvent) {
	if ev.Source == "" {
		ev.Source = eventSource
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal execution event", zap.String("event_type", ev.EventType), zap.Error(err))
		return
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.SignalID), Value: value}); err != nil {
		p.logger.Warn("failed to publish execution event", zap.String("event_type", ev.EventType), zap.Error(err))
	}
}

// Close flushes pending events
func (p *EventProducer) Close() error {
	return p.writer.Close()
}
