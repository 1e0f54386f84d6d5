package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxDeliverFunc delivers one outbox message downstream.
type OutboxDeliverFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxRelay claims due outbox messages on a ticker and hands them to a
// delivery function, retrying failures with exponential backoff.
type OutboxRelay struct {
	repo           OutboxRepo
	deliver        OutboxDeliverFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	baseBackoff    time.Duration
}

// NewOutboxRelay creates a relay. A non-positive pollInterval defaults to 500ms.
func NewOutboxRelay(repo OutboxRepo, deliver OutboxDeliverFunc, pollInterval time.Duration) *OutboxRelay {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &OutboxRelay{
		repo:           repo,
		deliver:        deliver,
		pollInterval:   pollInterval,
		staleThreshold: time.Minute,
		claimLimit:     50,
		baseBackoff:    time.Second,
	}
}

// RecoverStale requeues messages left in sending by a crashed process.
func (r *OutboxRelay) RecoverStale(ctx context.Context) error {
	n, err := r.repo.RequeueStaleSendingMessages(ctx, time.Now().Add(-r.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxRelay.RecoverStale: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) {
	slog.Info("OutboxRelay.Run: starting", "pollInterval", r.pollInterval)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxRelay.Run: stopping")
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush delivers every currently due message once and returns how many were sent.
func (r *OutboxRelay) Flush(ctx context.Context) int {
	now := time.Now()
	msgs, err := r.repo.ClaimDueOutboxMessages(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("OutboxRelay.Flush: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		if err := r.deliver(ctx, msg); err != nil {
			backoff := r.baseBackoff * time.Duration(1<<msg.Attempts)
			slog.Warn("OutboxRelay.Flush: delivery failed", "id", msg.ID, "conversationID", msg.ConversationID, "attempts", msg.Attempts, "retryIn", backoff, "error", err)
			if ferr := r.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), now.Add(backoff)); ferr != nil {
				slog.Error("OutboxRelay.Flush: fail message error", "id", msg.ID, "error", ferr)
			}
			continue
		}
		if err := r.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxRelay.Flush: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		slog.Debug("OutboxRelay.Flush: delivered", "count", sent)
	}
	return sent
}
