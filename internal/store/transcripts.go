package store

import (
	"context"
	"fmt"
	"time"
)

// TranscriptEntry is one processed turn of a conversation.
type TranscriptEntry struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	BotID          int64     `json:"bot_id"`
	InputText      string    `json:"input_text"`
	OutputText     string    `json:"output_text"`
	Status         string    `json:"status"`
	ProcessTime    float64   `json:"process_time"` // seconds
	CreatedAt      time.Time `json:"created_at"`
}

// TranscriptRepo stores the turn history of conversations.
type TranscriptRepo interface {
	AddTranscript(ctx context.Context, e TranscriptEntry) error
	// GetTranscript returns entries in insertion order; limit <= 0 means all.
	GetTranscript(ctx context.Context, conversationID string, limit int) ([]TranscriptEntry, error)
}

var _ TranscriptRepo = (*SQLStore)(nil)

func (s *SQLStore) AddTranscript(ctx context.Context, e TranscriptEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO transcripts (conversation_id, bot_id, input_text, output_text, status, process_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ConversationID, e.BotID, e.InputText, e.OutputText, e.Status, int64(e.ProcessTime*1000), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add transcript for %s: %w", e.ConversationID, err)
	}
	return nil
}

func (s *SQLStore) GetTranscript(ctx context.Context, conversationID string, limit int) ([]TranscriptEntry, error) {
	query := `SELECT id, conversation_id, bot_id, input_text, output_text, status, process_time_ms, created_at
		FROM transcripts WHERE conversation_id = ? ORDER BY id`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("get transcript for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		var ms int64
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.BotID, &e.InputText, &e.OutputText, &e.Status, &ms, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		e.ProcessTime = float64(ms) / 1000
		out = append(out, e)
	}
	return out, rows.Err()
}
