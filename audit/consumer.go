/*
Package audit consumes authorization events from Kafka and persists
them to MongoDB as an immutable audit trail.

PURPOSE:
  The authorization engine emits events post-commit and forgets about
  them. This consumer is the durable observer: it tails the event topic
  in a consumer group, flattens each event into an audit record, and
  batch-inserts them. Records that fail to store are parked in the
  dead-letter queue for redrive.

DELIVERY:
  Offsets are committed only after a batch has been stored (or parked),
  so a crash replays at-least-once: the audit trail may hold duplicate
  event IDs but never holes.

SEE ALSO:
  - events/kafka: the producing side
  - cmd/audit-stream: the binary wrapping this package
*/
package audit

import (
	"context"
	"errors"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
)

// ConsumerConfig carries broker and group settings.
type ConsumerConfig struct {
	Brokers        []string
	GroupName      string
	Topic          string
	RecordsPerPoll int
}

// Consumer tails the event topic and feeds batches to the processor.
type Consumer struct {
	client    *kgo.Client
	config    *ConsumerConfig
	processor *Processor
	logger    *zap.Logger
}

// NewConsumer builds the consumer group client. Call Poll to start.
func NewConsumer(conf *ConsumerConfig, processor *Processor, metrics *kprom.Metrics, logger *zap.Logger) (*Consumer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(conf.Brokers...),
		kgo.ConsumerGroup(conf.GroupName),
		kgo.ConsumeTopics(conf.Topic),
		kgo.WithHooks(metrics),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:    client,
		config:    conf,
		processor: processor,
		logger:    logger,
	}, nil
}

// Poll consumes until the context is canceled or the client closes.
func (c *Consumer) Poll(ctx context.Context) error {
	defer c.client.Close()

	for {
		if ctx.Err() != nil {
			c.logger.Warn("polling stopped: context canceled")
			return ctx.Err()
		}

		fetches := c.client.PollRecords(ctx, c.config.RecordsPerPoll)
		if fetches.IsClientClosed() {
			return errors.New("kafka client closed")
		}
		if errors.Is(fetches.Err0(), context.Canceled) {
			return ctx.Err()
		}

		payloads := make([][]byte, len(fetches.Records()))
		for i, record := range fetches.Records() {
			payloads[i] = record.Value
		}

		if err := c.processor.ProcessPayloads(ctx, payloads); err != nil {
			// Offsets stay uncommitted; the batch replays next poll.
			c.logger.Error("failed to process batch", zap.Error(err))
			continue
		}

		_ = c.client.CommitRecords(ctx, fetches.Records()...)
	}
}
