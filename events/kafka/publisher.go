/*
Package kafka publishes authorization events to a Kafka topic.

PURPOSE:
  Broker transport for engine.Notifier. Delivery is asynchronous and
  best-effort: a broker outage never slows down or fails an
  authorization. Undeliverable events fall through to the dead-letter
  queue when one is wired, otherwise they are logged and dropped.

PARTITIONING:
  Messages are keyed by card ID, so all events for one card land on one
  partition and consumers observe them in decision order.
*/
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/warp/fuel-ledger/engine"
)

const (
	DefaultTopic   = "fuel-transactions"
	deliverTimeout = 10 * time.Second
)

// DeadLetter receives events the broker would not take.
type DeadLetter interface {
	Park(ctx context.Context, event engine.Event) error
}

// Publisher is a fire-and-forget Kafka sink for authorization events.
type Publisher struct {
	writer     *kafka.Writer
	logger     *zap.Logger
	deadLetter DeadLetter

	wg sync.WaitGroup
}

// NewPublisher builds a publisher for the given brokers. deadLetter may
// be nil, in which case failed deliveries are only logged.
func NewPublisher(brokers []string, topic string, logger *zap.Logger, deadLetter DeadLetter) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		logger:     logger,
		deadLetter: deadLetter,
	}
}

// Notify hands the event to a background delivery. It returns
// immediately; the request that produced the event never waits on the
// broker.
func (p *Publisher) Notify(_ context.Context, event engine.Event) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Detached from the request context: the decision is already
		// committed, cancellation upstream must not lose the event.
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		p.deliver(ctx, event)
	}()
}

func (p *Publisher) deliver(ctx context.Context, event engine.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.CardID, 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
		if p.deadLetter != nil {
			_ = p.deadLetter.Park(ctx, event)
		}
		return
	}

	p.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)))
}

// Close waits for in-flight deliveries and releases the writer.
func (p *Publisher) Close() error {
	p.wg.Wait()
	return p.writer.Close()
}

var _ engine.Notifier = (*Publisher)(nil)
