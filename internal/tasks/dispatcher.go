package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/kvstore"
	"github.com/BTreeMap/DialogPipe/internal/metrics"
	"github.com/BTreeMap/DialogPipe/internal/models"
)

// DefaultMarkerTTL bounds how long an unanswered PROCESSING marker lives.
const DefaultMarkerTTL = 5 * time.Minute

// DispatchInput describes the tools to launch for one turn.
type DispatchInput struct {
	ConversationID string
	Tools          []models.ToolRequest
	Message        string
	AudioURL       string
}

// Dispatcher publishes work items and marks their keys pending.
type Dispatcher struct {
	kv        kvstore.Store
	publisher Publisher
	markerTTL time.Duration
	metrics   *metrics.Collector
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMarkerTTL overrides DefaultMarkerTTL.
func WithMarkerTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.markerTTL = ttl
		}
	}
}

// WithDispatchMetrics attaches a metrics collector.
func WithDispatchMetrics(c *metrics.Collector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = c }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(kv kvstore.Store, publisher Publisher, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{kv: kv, publisher: publisher, markerTTL: DefaultMarkerTTL}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch launches every distinct tool in the input and returns their keys in
// first-seen order. Each key is cleared, published, then marked PROCESSING.
// Failures are logged and skipped; the barrier treats the key as missing.
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput) []string {
	seen := make(map[string]bool, len(in.Tools))
	keys := make([]string, 0, len(in.Tools))
	for _, tool := range in.Tools {
		key := TaskKey(in.ConversationID, tool)
		if seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)

		if err := d.kv.Delete(ctx, key); err != nil {
			slog.Warn("Dispatcher.Dispatch: failed to clear previous result", "taskKey", key, "error", err)
		}
		item := models.WorkItem{
			ConversationID: in.ConversationID,
			Tool:           tool,
			Message:        in.Message,
			AudioURL:       in.AudioURL,
			TaskKey:        key,
		}
		err := d.publisher.Publish(ctx, item)
		d.metrics.RecordDispatch(tool.Key, err)
		if err != nil {
			slog.Error("Dispatcher.Dispatch: publish failed", "conversationID", in.ConversationID, "tool", tool.Key, "taskKey", key, "error", err)
			continue
		}
		// The worker may already have answered; only mark keys still absent.
		if _, err := d.kv.SetNX(ctx, key, models.ProcessingMarker, d.markerTTL); err != nil {
			slog.Warn("Dispatcher.Dispatch: failed to set pending marker", "taskKey", key, "error", err)
		}
		slog.Debug("Dispatcher.Dispatch: published", "conversationID", in.ConversationID, "tool", tool.Key, "taskKey", key)
	}
	return keys
}
