package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"aiknowledge/internal/events"
	"aiknowledge/internal/pkg/logger"
	"aiknowledge/internal/platform/rabbitmq"
)

const (
	defaultConcurrency     = 4
	defaultMaxRedeliveries = 5
)

type EventConsumerConfig struct {
	QueueName   string
	Concurrency int
	// MaxRedeliveries bounds how often a failed event is put back on the
	// queue before it is dead-lettered.
	MaxRedeliveries int
	// Retryable decides whether a failed event is redelivered at all.
	Retryable func(error) bool
}

// EventConsumer feeds queued pipeline events to a handler. Failed events
// are republished with an incremented attempt, then dead-lettered.
type EventConsumer struct {
	conn      *amqp.Connection
	handler   events.Handler
	publisher events.Publisher
	cfg       EventConsumerConfig
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEventConsumer(conn *amqp.Connection, handler events.Handler, publisher events.Publisher, cfg EventConsumerConfig, log *slog.Logger) *EventConsumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = defaultMaxRedeliveries
	}
	if log == nil {
		log = logger.Discard()
	}
	return &EventConsumer{
		conn:      conn,
		handler:   handler,
		publisher: publisher,
		cfg:       cfg,
		logger:    log.With("component", "event-consumer"),
	}
}

func (w *EventConsumer) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	if err := rabbitmq.DeclareQueue(ch, w.cfg.QueueName); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}
	if err := ch.Qos(w.cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker prefetch failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.cfg.QueueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	var loops sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		loops.Add(1)
		go func() {
			defer loops.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					w.process(workerCtx, d)
				}
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		loops.Wait()
		_ = ch.Close()
	}()

	w.logger.Info("event consumer started", "queue", w.cfg.QueueName, "concurrency", w.cfg.Concurrency)
	return nil
}

func (w *EventConsumer) process(ctx context.Context, d amqp.Delivery) {
	var e events.Event
	if err := json.Unmarshal(d.Body, &e); err != nil {
		w.logger.Error("decode event failed", "message_id", d.MessageId, "err", err)
		_ = d.Nack(false, false)
		return
	}

	err := w.handler.Handle(ctx, e)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	if w.cfg.Retryable != nil && !w.cfg.Retryable(err) {
		w.logger.Warn("dropping event after permanent failure", "event_id", e.ID, "type", e.Type, "err", err)
		_ = d.Ack(false)
		return
	}
	if e.Attempt+1 >= w.cfg.MaxRedeliveries {
		w.logger.Error("dead-lettering event", "event_id", e.ID, "type", e.Type, "attempt", e.Attempt, "err", err)
		_ = d.Nack(false, false)
		return
	}

	e.Attempt++
	if pubErr := w.publisher.Publish(ctx, e); pubErr != nil {
		w.logger.Error("redeliver event failed", "event_id", e.ID, "err", pubErr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (w *EventConsumer) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
