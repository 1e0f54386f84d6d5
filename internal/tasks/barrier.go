package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/kvstore"
	"github.com/BTreeMap/DialogPipe/internal/metrics"
	"github.com/BTreeMap/DialogPipe/internal/models"
)

// DefaultPollInterval is the spacing between store reads.
const DefaultPollInterval = 50 * time.Millisecond

// Barrier polls the key-value store until every awaited key holds a result.
type Barrier struct {
	kv           kvstore.Store
	pollInterval time.Duration
	metrics      *metrics.Collector
	// now only measures wait time for metrics.
	now func() time.Time
}

// BarrierOption configures a Barrier.
type BarrierOption func(*Barrier)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) BarrierOption {
	return func(b *Barrier) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithBarrierMetrics attaches a metrics collector.
func WithBarrierMetrics(c *metrics.Collector) BarrierOption {
	return func(b *Barrier) { b.metrics = c }
}

// NewBarrier creates a Barrier.
func NewBarrier(kv kvstore.Store, opts ...BarrierOption) *Barrier {
	b := &Barrier{kv: kv, pollInterval: DefaultPollInterval, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Wait returns a map holding every requested key. Keys that resolved within
// timeout map to their result; the others map to nil. A non-positive timeout
// reads the store once. Cancelling ctx ends the wait early with whatever has
// resolved.
func (b *Barrier) Wait(ctx context.Context, keys []string, timeout time.Duration) map[string]*models.TaskResult {
	out := make(map[string]*models.TaskResult, len(keys))
	for _, k := range keys {
		out[k] = nil
	}
	if len(keys) == 0 {
		return out
	}
	start := b.now()
	pending := append([]string(nil), keys...)
	pending = b.poll(ctx, pending, out)

	if len(pending) > 0 {
		timer := time.NewTimer(max(timeout, 0))
		ticker := time.NewTicker(b.pollInterval)
	loop:
		for len(pending) > 0 {
			select {
			case <-ctx.Done():
				break loop
			case <-timer.C:
				// One last read so a result landing on the deadline still counts.
				pending = b.poll(ctx, pending, out)
				break loop
			case <-ticker.C:
				pending = b.poll(ctx, pending, out)
			}
		}
		ticker.Stop()
		timer.Stop()
	}

	b.metrics.RecordBarrier(len(keys)-len(pending), len(pending), b.now().Sub(start))
	if len(pending) > 0 {
		slog.Debug("Barrier.Wait: deadline reached with unresolved keys", "resolved", len(keys)-len(pending), "missing", len(pending))
	}
	return out
}

// poll reads the pending keys once, stores resolved results in out and
// returns the keys still pending.
func (b *Barrier) poll(ctx context.Context, pending []string, out map[string]*models.TaskResult) []string {
	values, err := b.kv.MGet(ctx, pending...)
	if err != nil {
		slog.Warn("Barrier.poll: read failed", "keys", len(pending), "error", err)
		return pending
	}
	rest := pending[:0]
	for _, k := range pending {
		if res := models.ParseTaskResult(values[k]); res != nil {
			out[k] = res
			continue
		}
		rest = append(rest, k)
	}
	return rest
}
