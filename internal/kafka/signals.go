package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/trogers1052/signal-executor/internal/logging"
	"github.com/trogers1052/signal-executor/internal/models"
)

// SignalEvent is the queue message referencing a persisted signal receipt
type SignalEvent struct {
	EventType  string    `json:"event_type"`
	SignalID   string    `json:"signal_id"`
	Symbol     string    `json:"symbol"`
	ReceivedAt time.Time `json:"received_at"`
}

const signalReceived = "SIGNAL_RECEIVED"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SignalProducer enqueues signal receipts. Messages are keyed by symbol so
// one partition, and therefore one consumer, sees a symbol's signals in
// receipt order.
type SignalProducer struct {
	writer messageWriter
}

// NewSignalProducer creates a producer for the signals topic
func NewSignalProducer(brokers []string, topic string) *SignalProducer {
	return &SignalProducer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 5 * time.Millisecond,
	}}
}

// Enqueue publishes s to the signals topic
func (p *SignalProducer) Enqueue(ctx context.Context, s *models.Signal) error {
	value, err := json.Marshal(SignalEvent{
		EventType:  signalReceived,
		SignalID:   s.ID,
		Symbol:     s.Symbol,
		ReceivedAt: s.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal signal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(s.Symbol), Value: value})
	if err != nil {
		return fmt.Errorf("failed to enqueue signal %s: %w", s.ID, err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *SignalProducer) Close() error {
	return p.writer.Close()
}

// Dispatcher accepts decoded signal events. Dispatch may block to apply
// backpressure; it returns once the event is owned by the worker pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev SignalEvent) error
}

// SignalConsumer reads the signals topic and hands events to the worker pool
type SignalConsumer struct {
	reader     messageReader
	dispatcher Dispatcher
	topic      string
	logger     *zap.Logger
}

// NewSignalConsumer creates a new Kafka consumer for signal events
func NewSignalConsumer(brokers []string, topic, groupID string, dispatcher Dispatcher, logger *zap.Logger) *SignalConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        250 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})
	return &SignalConsumer{
		reader:     reader,
		dispatcher: dispatcher,
		topic:      topic,
		logger:     logging.OrNop(logger).Named("signal-consumer"),
	}
}

// Start consumes until ctx is cancelled. Offsets are committed after the
// event is dispatched; a signal lost between dispatch and execution is
// still PENDING in the database and is picked up by the recovery sweep.
func (c *SignalConsumer) Start(ctx context.Context) error {
	c.logger.Info("starting signal consumer", zap.String("topic", c.topic))
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("signal consumer shutting down")
				return nil
			}
			c.logger.Error("error fetching signal message", zap.Error(err))
			if sleepCtx(ctx, time.Second) != nil {
				return nil
			}
			continue
		}

		if err := c.processMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("error processing signal message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("failed to commit signal offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *SignalConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var ev SignalEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("failed to unmarshal signal event: %w", err)
	}
	if ev.EventType != signalReceived {
		c.logger.Debug("ignoring event type", zap.String("event_type", ev.EventType))
		return nil
	}
	if ev.SignalID == "" {
		return errors.New("signal event without signal_id")
	}
	if ev.Symbol == "" {
		ev.Symbol = string(msg.Key)
	}
	return c.dispatcher.Dispatch(ctx, ev)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
