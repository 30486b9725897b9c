package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/internal/logger"
)

// RedisQueue implements Queue on top of Redis Streams + consumer groups,
// grounded on common/redis/client.go's AddToStream/ReadFromStreamGroup/
// AckStreamMessage/CreateStreamGroup helpers from the teacher: XADD gives
// at-least-once durability, XREADGROUP's PEL gives per-message visibility,
// and XACK removes a delivered message once processed.
type RedisQueue struct {
	client *redis.Client
	logger *logger.Logger
}

// NewRedisQueue wraps an existing go-redis client.
func NewRedisQueue(client *redis.Client, log *logger.Logger) *RedisQueue {
	return &RedisQueue{client: client, logger: log}
}

// Push adds a task onto stream via XADD.
func (q *RedisQueue) Push(ctx context.Context, stream string, task NodeTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"task": string(payload)},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to push task to stream %s: %w", stream, err)
	}
	return nil
}

// Pop reads up to count deliveries via XREADGROUP, blocking up to block.
func (q *RedisQueue) Pop(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}

	var deliveries []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			raw, ok := msg.Values["task"].(string)
			if !ok {
				q.logger.Warn("skipping malformed stream message", "stream", stream, "id", msg.ID)
				continue
			}
			var task NodeTask
			if err := json.Unmarshal([]byte(raw), &task); err != nil {
				q.logger.Warn("failed to unmarshal task", "stream", stream, "id", msg.ID, "error", err)
				continue
			}
			deliveries = append(deliveries, Delivery{ID: msg.ID, Task: task})
		}
	}
	return deliveries, nil
}

// Ack acknowledges a delivered message via XACK.
func (q *RedisQueue) Ack(ctx context.Context, stream, group, deliveryID string) error {
	if err := q.client.XAck(ctx, stream, group, deliveryID).Err(); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", deliveryID, err)
	}
	return nil
}

// EnsureGroup creates the consumer group idempotently, tolerating the
// BUSYGROUP error the same way the teacher's CreateStreamGroup does.
func (q *RedisQueue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	return nil
}

// Close is a no-op; the underlying *redis.Client is owned by bootstrap.
func (q *RedisQueue) Close() error { return nil }
