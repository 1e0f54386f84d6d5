package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// RedisQueue is a FIFO list: LPUSH to publish, BRPOP to receive.
type RedisQueue struct {
	client *redis.Client
	name   string
}

var (
	_ Publisher = (*RedisQueue)(nil)
	_ Receiver  = (*RedisQueue)(nil)
)

// NewRedisQueue uses client for the list named name (DefaultName when empty).
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	if name == "" {
		name = DefaultName
	}
	return &RedisQueue{client: client, name: name}
}

// Publish pushes item onto the list.
func (q *RedisQueue) Publish(ctx context.Context, item models.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if err := q.client.LPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.name, err)
	}
	return nil
}

// Receive blocks up to timeout for the oldest item.
func (q *RedisQueue) Receive(ctx context.Context, timeout time.Duration) (*models.WorkItem, error) {
	res, err := q.client.BRPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("brpop %s: %w", q.name, err)
	}
	// BRPOP answers [list, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("brpop %s: unexpected reply %v", q.name, res)
	}
	var item models.WorkItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		slog.Warn("RedisQueue.Receive: dropping malformed work item", "queue", q.name, "error", err)
		return nil, nil
	}
	return &item, nil
}

// Len reports the number of queued items.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}
