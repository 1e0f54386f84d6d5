// Package worker runs tool work items taken from the queue and writes their
// results under the task key for the completion barrier to find.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/BTreeMap/DialogPipe/internal/kvstore"
	"github.com/BTreeMap/DialogPipe/internal/metrics"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/queue"
)

// Handler executes one tool invocation.
type Handler interface {
	Handle(ctx context.Context, item models.WorkItem) (*models.TaskResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item models.WorkItem) (*models.TaskResult, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, item models.WorkItem) (*models.TaskResult, error) {
	return f(ctx, item)
}

// Opts configures a Worker.
type Opts struct {
	Concurrency    int
	ResultTTL      time.Duration
	TaskTimeout    time.Duration
	ReceiveTimeout time.Duration
	Metrics        *metrics.Collector
}

// Option mutates Opts.
type Option func(*Opts)

// WithConcurrency bounds the number of tools running at once.
func WithConcurrency(n int) Option {
	return func(o *Opts) { o.Concurrency = n }
}

// WithResultTTL sets how long results stay readable.
func WithResultTTL(d time.Duration) Option {
	return func(o *Opts) { o.ResultTTL = d }
}

// WithTaskTimeout bounds a single handler call.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TaskTimeout = d }
}

// WithReceiveTimeout sets how long one queue read blocks.
func WithReceiveTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ReceiveTimeout = d }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = c }
}

// Worker consumes work items on a bounded goroutine pool.
type Worker struct {
	id       string
	recv     queue.Receiver
	kv       kvstore.Store
	opts     Opts
	pool     *ants.Pool
	mu       sync.RWMutex
	handlers map[string]Handler
	inflight sync.WaitGroup
}

// New creates a Worker.
func New(recv queue.Receiver, kv kvstore.Store, opts ...Option) (*Worker, error) {
	o := Opts{
		Concurrency:    8,
		ResultTTL:      10 * time.Minute,
		TaskTimeout:    30 * time.Second,
		ReceiveTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Concurrency <= 0 {
		return nil, errors.New("worker concurrency must be greater than 0")
	}
	pool, err := ants.NewPool(o.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Worker{id: uuid.NewString(), recv: recv, kv: kv, opts: o, pool: pool, handlers: map[string]Handler{}}, nil
}

// Register binds a handler to a tool key.
func (w *Worker) Register(toolKey string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[toolKey] = h
	slog.Debug("Worker.Register", "tool", toolKey)
}

func (w *Worker) handler(toolKey string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[toolKey]
	return h, ok
}

// Run receives items until ctx is cancelled, then waits for running handlers
// and releases the pool.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Worker.Run: starting", "concurrency", w.opts.Concurrency)
	defer func() {
		w.inflight.Wait()
		w.pool.Release()
		slog.Info("Worker.Run: stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		item, err := w.recv.Receive(ctx, w.opts.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			slog.Warn("Worker.Run: receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.opts.ReceiveTimeout):
			}
			continue
		}
		if item == nil {
			continue
		}
		work := *item
		w.inflight.Add(1)
		if err := w.pool.Submit(func() {
			defer w.inflight.Done()
			w.Process(ctx, work)
		}); err != nil {
			w.inflight.Done()
			slog.Error("Worker.Run: submit failed", "taskKey", work.TaskKey, "error", err)
		}
	}
}

// Process runs one item. An item whose key already holds a result, or that
// another delivery has claimed, is skipped.
func (w *Worker) Process(ctx context.Context, item models.WorkItem) {
	if existing, err := w.kv.Get(ctx, item.TaskKey); err == nil && models.ParseTaskResult(existing) != nil {
		slog.Debug("Worker.Process: result already present, skipping", "taskKey", item.TaskKey)
		w.opts.Metrics.RecordWorkerTask(item.Tool.Key, "duplicate")
		return
	}
	claimed, err := w.kv.SetNX(ctx, claimKey(item.TaskKey), w.id, w.opts.TaskTimeout)
	switch {
	case err != nil:
		slog.Warn("Worker.Process: claim failed, running anyway", "taskKey", item.TaskKey, "error", err)
	case !claimed:
		slog.Debug("Worker.Process: already claimed, skipping", "taskKey", item.TaskKey)
		w.opts.Metrics.RecordWorkerTask(item.Tool.Key, "duplicate")
		return
	default:
		defer func() {
			if err := w.kv.Delete(context.WithoutCancel(ctx), claimKey(item.TaskKey)); err != nil {
				slog.Warn("Worker.Process: release claim failed", "taskKey", item.TaskKey, "error", err)
			}
		}()
	}
	h, ok := w.handler(item.Tool.Key)
	if !ok {
		slog.Warn("Worker.Process: no handler for tool", "tool", item.Tool.Key, "taskKey", item.TaskKey)
		w.opts.Metrics.RecordWorkerTask(item.Tool.Key, "unhandled")
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, w.opts.TaskTimeout)
	defer cancel()
	start := time.Now()
	res, err := h.Handle(runCtx, item)
	if err != nil {
		slog.Error("Worker.Process: tool failed", "tool", item.Tool.Key, "taskKey", item.TaskKey, "conversationID", item.ConversationID, "error", err)
		w.opts.Metrics.RecordWorkerTask(item.Tool.Key, "error")
		return
	}
	if res == nil || res.ToolResult == nil {
		slog.Debug("Worker.Process: tool produced no result", "tool", item.Tool.Key, "taskKey", item.TaskKey)
		w.opts.Metrics.RecordWorkerTask(item.Tool.Key, "empty")
		return
	}
	if res.ToolName == "" {
		res.ToolName = item.Tool.Key
	}
	data, err := json.Marshal(res)
	if err != nil {
		slog.Error("Worker.Process: marshal result failed", "taskKey", item.TaskKey, "error", err)
		w.opts.Metrics.RecordWorkerTask(item.Tool.Key, "error")
		return
	}
	if err := w.kv.Set(ctx, item.TaskKey, string(data), w.opts.ResultTTL); err != nil {
		slog.Error("Worker.Process: store result failed", "taskKey", item.TaskKey, "error", err)
		w.opts.Metrics.RecordWorkerTask(item.Tool.Key, "error")
		return
	}
	w.opts.Metrics.RecordWorkerTask(item.Tool.Key, "ok")
	slog.Info("Worker.Process: result stored", "tool", item.Tool.Key, "taskKey", item.TaskKey, "duration", time.Since(start))
}

func claimKey(taskKey string) string {
	return taskKey + ":claim"
}
