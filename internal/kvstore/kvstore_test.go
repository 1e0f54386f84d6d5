package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := NewRedisStore(WithAddr(mr.Addr()), WithKeyPrefix("test:"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "a", "1", 0))
	require.NoError(t, s.Set(ctx, "b", "2", time.Minute))

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	vals, err := s.MGet(ctx, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, vals)

	ok, err := s.SetNX(ctx, "a", "x", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.SetNX(ctx, "c", "3", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "a", "c"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	empty, err := s.MGet(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisStore(t *testing.T) {
	s, mr := newTestRedisStore(t)
	exerciseStore(t, s)

	assert.True(t, mr.Exists("test:b"), "keys should carry the prefix")
}

func TestRedisStoreTTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "task", "PROCESSING", 10*time.Second))
	mr.FastForward(11 * time.Second)

	_, err := s.Get(ctx, "task")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	_, err := NewRedisStore(WithAddr("127.0.0.1:1"))
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreTTL(t *testing.T) {
	m := NewMemoryStore()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", time.Second))
	now = now.Add(2 * time.Second)

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err := m.SetNX(ctx, "k", "w", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}
