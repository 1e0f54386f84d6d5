package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/kvstore"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/queue"
)

func workItem(key string) models.WorkItem {
	return models.WorkItem{
		ConversationID: "c1",
		Tool:           models.ToolRequest{Key: "ECHO", Value: map[string]interface{}{"level": "a1"}},
		Message:        "hello there",
		TaskKey:        key,
	}
}

func newTestWorker(t *testing.T, recv queue.Receiver, kv kvstore.Store) *Worker {
	t.Helper()
	w, err := New(recv, kv, WithConcurrency(2), WithReceiveTimeout(10*time.Millisecond), WithTaskTimeout(time.Second))
	require.NoError(t, err)
	return w
}

func TestProcessStoresResult(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	w := newTestWorker(t, queue.NewMemoryQueue(1), kv)
	w.Register("ECHO", EchoHandler())

	w.Process(ctx, workItem("k1"))

	raw, err := kv.Get(ctx, "k1")
	require.NoError(t, err)
	res := models.ParseTaskResult(raw)
	require.NotNil(t, res)
	assert.Equal(t, "ECHO", res.ToolName)
	assert.Equal(t, "hello there", res.ToolResult["message"])
	assert.Equal(t, "a1", res.ToolResult["level"])

	_, err = kv.Get(ctx, claimKey("k1"))
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestProcessIsIdempotentOnTaskKey(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	w := newTestWorker(t, queue.NewMemoryQueue(1), kv)
	var calls int32
	w.Register("ECHO", HandlerFunc(func(ctx context.Context, item models.WorkItem) (*models.TaskResult, error) {
		atomic.AddInt32(&calls, 1)
		return EchoHandler().Handle(ctx, item)
	}))

	w.Process(ctx, workItem("k1"))
	w.Process(ctx, workItem("k1"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// A claim held by another delivery also suppresses execution.
	require.NoError(t, kv.Set(ctx, claimKey("k2"), "other-worker", time.Minute))
	w.Process(ctx, workItem("k2"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProcessRunsAgainAfterKeyCleared(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	w := newTestWorker(t, queue.NewMemoryQueue(1), kv)
	var calls int32
	w.Register("ECHO", HandlerFunc(func(ctx context.Context, item models.WorkItem) (*models.TaskResult, error) {
		atomic.AddInt32(&calls, 1)
		return EchoHandler().Handle(ctx, item)
	}))

	w.Process(ctx, workItem("k1"))
	require.NoError(t, kv.Delete(ctx, "k1"))
	require.NoError(t, kv.Set(ctx, "k1", models.ProcessingMarker, time.Minute))
	w.Process(ctx, workItem("k1"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestProcessLeavesKeyOnFailure(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	require.NoError(t, kv.Set(ctx, "k1", models.ProcessingMarker, time.Minute))
	w := newTestWorker(t, queue.NewMemoryQueue(1), kv)
	w.Register("ECHO", HandlerFunc(func(context.Context, models.WorkItem) (*models.TaskResult, error) {
		return nil, errors.New("scoring service down")
	}))

	w.Process(ctx, workItem("k1"))
	w.Process(ctx, models.WorkItem{Tool: models.ToolRequest{Key: "UNKNOWN"}, TaskKey: "k2"})

	v, err := kv.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingMarker, v)
	_, err = kv.Get(ctx, "k2")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestRunConsumesQueueUntilCancelled(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	q := queue.NewMemoryQueue(8)
	w := newTestWorker(t, q, kv)
	w.Register("ECHO", EchoHandler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for _, k := range []string{"k1", "k2", "k3"} {
		require.NoError(t, q.Publish(ctx, workItem(k)))
	}
	require.Eventually(t, func() bool {
		vals, err := kv.MGet(context.Background(), "k1", "k2", "k3")
		return err == nil && len(vals) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestHTTPHandler(t *testing.T) {
	var got ToolRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"TOOL_NAME":"PRONUNCIATION_CHECKER_TOOL","TOOL_RESULT":{"feedback":"stress the first syllable","target":"apple"}}`))
	}))
	defer srv.Close()

	h := NewHTTPHandler(srv.URL, nil)
	item := models.WorkItem{
		ConversationID: "c1",
		Tool:           models.ToolRequest{Key: models.ToolPronunciationChecker, Value: map[string]interface{}{"intent_name": "mispronounced"}},
		Message:        "apple",
		AudioURL:       "https://audio/2.wav",
		TaskKey:        "k1",
	}
	res, err := h.Handle(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, "stress the first syllable", res.Feedback())
	assert.Equal(t, "apple", got.TextRefs)
	assert.Equal(t, "https://audio/2.wav", got.AudioURL)
	assert.Equal(t, "mispronounced", got.Value["intent_name"])
}

func TestHTTPHandlerStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPHandler(srv.URL, nil).Handle(context.Background(), workItem("k1"))
	assert.Error(t, err)
}

func TestNewRejectsZeroConcurrency(t *testing.T) {
	_, err := New(queue.NewMemoryQueue(1), kvstore.NewMemoryStore(), WithConcurrency(0))
	assert.Error(t, err)
}
