package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, ""), mr
}

func item(key string) models.WorkItem {
	return models.WorkItem{
		ConversationID: "c1",
		Tool:           models.ToolRequest{Key: models.ToolGrammarChecker, Value: map[string]interface{}{"question": "q"}},
		Message:        "I goes home",
		TaskKey:        key,
	}
}

func TestRedisQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedisQueue(t)

	require.NoError(t, q.Publish(ctx, item("k1")))
	require.NoError(t, q.Publish(ctx, item("k2")))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "k1", got.TaskKey)
	assert.Equal(t, "q", got.Tool.Value["question"])

	got, err = q.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "k2", got.TaskKey)
}

func TestRedisQueueDropsMalformed(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t)
	_, err := mr.Lpush(DefaultName, "not json")
	require.NoError(t, err)

	got, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(2)

	got, err := q.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, q.Publish(ctx, item("k1")))
	got, err = q.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "k1", got.TaskKey)

	q.Close()
	assert.ErrorIs(t, q.Publish(ctx, item("k2")), ErrClosed)
	_, err = q.Receive(ctx, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOutboxPublisherRelaysOncePerTaskKey(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	target := NewMemoryQueue(8)
	pub := NewOutboxPublisher(repo)

	require.NoError(t, pub.Publish(ctx, item("k1")))
	require.NoError(t, pub.Publish(ctx, item("k1")))
	require.NoError(t, pub.Publish(ctx, item("k2")))

	relay := store.NewOutboxRelay(repo, RelayTo(target), time.Second)
	assert.Equal(t, 2, relay.Flush(ctx))

	first, err := target.Receive(ctx, time.Second)
	require.NoError(t, err)
	second, err := target.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2"}, []string{first.TaskKey, second.TaskKey})
}

func TestRelayToRejectsUnknownKind(t *testing.T) {
	deliver := RelayTo(NewMemoryQueue(1))
	err := deliver(context.Background(), store.OutboxMessage{ID: "m1", Kind: "other", PayloadJSON: "{}"})
	assert.Error(t, err)
}
