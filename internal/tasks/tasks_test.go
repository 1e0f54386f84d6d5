package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BTreeMap/DialogPipe/internal/kvstore"
	"github.com/BTreeMap/DialogPipe/internal/models"
)

type fakePublisher struct {
	mu     sync.Mutex
	items  []models.WorkItem
	err    error
	onSend func(models.WorkItem)
}

func (p *fakePublisher) Publish(_ context.Context, item models.WorkItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.items = append(p.items, item)
	if p.onSend != nil {
		p.onSend(item)
	}
	return nil
}

func pronunciationTool(intent string) models.ToolRequest {
	return models.ToolRequest{
		Key:   models.ToolPronunciationChecker,
		Value: map[string]interface{}{"intent_name": intent, "text_refs": "hello"},
	}
}

const resultJSON = `{"TOOL_NAME":"PRONUNCIATION_CHECKER_TOOL","TOOL_RESULT":{"feedback":"","score":0.9}}`

func TestTaskKeyDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		conv := rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(t, "conv")
		keys := rapid.SliceOfDistinct(rapid.StringMatching(`[a-z]{1,6}`), func(s string) string { return s }).Draw(t, "keys")
		a := models.ToolRequest{Key: "T", Value: map[string]interface{}{}}
		b := models.ToolRequest{Key: "T", Value: map[string]interface{}{}}
		for i, k := range keys {
			a.Value[k] = i
		}
		for i := len(keys) - 1; i >= 0; i-- {
			b.Value[keys[i]] = i
		}
		if TaskKey(conv, a) != TaskKey(conv, b) {
			t.Fatalf("equal tools produced different keys")
		}
		if TaskKey(conv, a) == TaskKey(conv+"x", a) {
			t.Fatalf("different conversations share a key")
		}
	})
}

func TestTaskKeyShape(t *testing.T) {
	key := TaskKey("conv-1", pronunciationTool("wrong"))
	assert.Regexp(t, `^conv-1-[0-9a-f]{64}$`, key)
	assert.NotEqual(t, key, TaskKey("conv-1", pronunciationTool("retry")))
}

func TestDispatchCollapsesDuplicatesAndMarksPending(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	pub := &fakePublisher{}
	d := NewDispatcher(kv, pub)

	stale := TaskKey("c1", pronunciationTool("wrong"))
	require.NoError(t, kv.Set(ctx, stale, resultJSON, 0))

	keys := d.Dispatch(ctx, DispatchInput{
		ConversationID: "c1",
		Tools:          []models.ToolRequest{pronunciationTool("wrong"), pronunciationTool("wrong"), {Key: models.ToolGrammarChecker}},
		Message:        "hello",
		AudioURL:       "https://audio/1.wav",
	})

	require.Len(t, keys, 2)
	assert.Equal(t, stale, keys[0])
	require.Len(t, pub.items, 2)
	assert.Equal(t, "hello", pub.items[0].Message)
	assert.Equal(t, "https://audio/1.wav", pub.items[0].AudioURL)
	assert.Equal(t, keys[1], pub.items[1].TaskKey)

	for _, k := range keys {
		v, err := kv.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, models.ProcessingMarker, v)
	}
}

func TestDispatchKeepsResultWrittenDuringPublish(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	pub := &fakePublisher{onSend: func(item models.WorkItem) {
		_ = kv.Set(ctx, item.TaskKey, resultJSON, 0)
	}}
	keys := NewDispatcher(kv, pub).Dispatch(ctx, DispatchInput{ConversationID: "c1", Tools: []models.ToolRequest{pronunciationTool("wrong")}})

	v, err := kv.Get(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, resultJSON, v)
}

func TestDispatchPublishFailureLeavesKeyEmpty(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	pub := &fakePublisher{err: errors.New("queue unavailable")}
	keys := NewDispatcher(kv, pub).Dispatch(ctx, DispatchInput{ConversationID: "c1", Tools: []models.ToolRequest{pronunciationTool("wrong")}})

	require.Len(t, keys, 1)
	_, err := kv.Get(ctx, keys[0])
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func newRedisKV(t *testing.T) kvstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	kv, err := kvstore.NewRedisStore(kvstore.WithAddr(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestBarrierPartialResults(t *testing.T) {
	ctx := context.Background()
	kv := newRedisKV(t)
	require.NoError(t, kv.Set(ctx, "k1", resultJSON, 0))
	require.NoError(t, kv.Set(ctx, "k2", resultJSON, 0))
	require.NoError(t, kv.Set(ctx, "k3", models.ProcessingMarker, 0))

	b := NewBarrier(kv, WithPollInterval(10*time.Millisecond))
	start := time.Now()
	got := b.Wait(ctx, []string{"k1", "k2", "k3"}, 150*time.Millisecond)

	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
	require.Len(t, got, 3)
	assert.NotNil(t, got["k1"])
	assert.NotNil(t, got["k2"])
	assert.Nil(t, got["k3"])
	assert.Equal(t, models.ToolPronunciationChecker, got["k1"].ToolName)
}

func TestBarrierReturnsAsSoonAsResolved(t *testing.T) {
	ctx := context.Background()
	kv := newRedisKV(t)
	require.NoError(t, kv.Set(ctx, "k1", models.ProcessingMarker, 0))

	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = kv.Set(ctx, "k1", resultJSON, 0)
	}()

	start := time.Now()
	got := NewBarrier(kv, WithPollInterval(10*time.Millisecond)).Wait(ctx, []string{"k1"}, 2*time.Second)

	assert.Less(t, time.Since(start), time.Second)
	assert.NotNil(t, got["k1"])
}

func TestBarrierIgnoresMalformedValues(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	require.NoError(t, kv.Set(ctx, "k1", "{not json", 0))

	got := NewBarrier(kv, WithPollInterval(5*time.Millisecond)).Wait(ctx, []string{"k1"}, 30*time.Millisecond)
	assert.Nil(t, got["k1"])
}

func TestBarrierStopsOnCancel(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	got := NewBarrier(kv, WithPollInterval(5*time.Millisecond)).Wait(ctx, []string{"k1"}, 5*time.Second)

	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, got, "k1")
	assert.Nil(t, got["k1"])
}

func TestBarrierNoKeys(t *testing.T) {
	got := NewBarrier(kvstore.NewMemoryStore()).Wait(context.Background(), nil, time.Second)
	assert.Empty(t, got)
}
