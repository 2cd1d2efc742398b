/*
Package deadletter stores authorization events that could not be
delivered to the broker.

PURPOSE:
  Event delivery is strictly best-effort and never blocks or fails an
  authorization. When the Kafka writer cannot deliver, the event is
  parked in Redis so an operator (or a redrive job) can replay it. A
  Redis outage on top of a Kafka outage means the event is logged and
  dropped.

SEE ALSO:
  - events/kafka: the publisher that feeds this queue
*/
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/fuel-ledger/engine"
)

const defaultList = "fuel-ledger:events:dead-letter"

// Queue parks undeliverable events in a Redis list.
type Queue struct {
	client   *redis.Client
	logger   *zap.Logger
	listName string
}

func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger, listName: defaultList}
}

// Park appends the event to the dead-letter list. Stores each event
// under a per-event key as well so individual events can be inspected.
func (q *Queue) Park(ctx context.Context, event engine.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		q.logger.Error("failed to marshal event", zap.Error(err))
		return err
	}

	key := fmt.Sprintf("fuel-ledger:event:%s", event.ID)
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.LPush(ctx, q.listName, data)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to park event",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return err
	}

	q.logger.Warn("event parked in dead-letter queue",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)))
	return nil
}

// Pending returns how many events are waiting for redrive.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.listName).Result()
}

// Drain pops up to limit parked events, oldest first.
func (q *Queue) Drain(ctx context.Context, limit int64) ([]engine.Event, error) {
	var out []engine.Event
	for int64(len(out)) < limit {
		data, err := q.client.RPop(ctx, q.listName).Bytes()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return out, err
		}

		var event engine.Event
		if err := json.Unmarshal(data, &event); err != nil {
			q.logger.Error("discarding undecodable dead-letter entry", zap.Error(err))
			continue
		}
		out = append(out, event)
	}
	return out, nil
}
