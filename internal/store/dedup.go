package store

import (
	"context"
	"fmt"
	"time"
)

// DedupRepo records inbound message IDs so retried webhooks are processed once.
type DedupRepo interface {
	// RecordInbound returns false when messageID was already recorded.
	RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

var _ DedupRepo = (*SQLStore)(nil)

func (s *SQLStore) RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO inbound_dedup (message_id, conversation_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`),
		messageID, conversationID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound %s rows: %w", messageID, err)
	}
	return n == 1, nil
}

func (s *SQLStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", messageID, err)
	}
	return nil
}
