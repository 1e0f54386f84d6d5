package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// BotRepo persists bot definitions (scenario plus LLM settings).
type BotRepo interface {
	// SaveBot inserts or replaces the bot with bot.ID.
	SaveBot(ctx context.Context, bot models.Bot) error
	// GetBot returns nil, nil when the bot does not exist.
	GetBot(ctx context.Context, id int64) (*models.Bot, error)
	ListBots(ctx context.Context) ([]models.Bot, error)
	DeleteBot(ctx context.Context, id int64) error
}

var _ BotRepo = (*SQLStore)(nil)

func (s *SQLStore) SaveBot(ctx context.Context, bot models.Bot) error {
	def, err := json.Marshal(bot)
	if err != nil {
		return fmt.Errorf("marshal bot %d: %w", bot.ID, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO bots (id, name, definition_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, definition_json = excluded.definition_json, updated_at = excluded.updated_at`),
		bot.ID, bot.Name, string(def), now, now,
	)
	if err != nil {
		return fmt.Errorf("save bot %d: %w", bot.ID, err)
	}
	slog.Debug("SQLStore.SaveBot", "botID", bot.ID, "states", len(bot.Scenario))
	return nil
}

func (s *SQLStore) GetBot(ctx context.Context, id int64) (*models.Bot, error) {
	var def string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT definition_json FROM bots WHERE id = ?`), id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %d: %w", id, err)
	}
	var bot models.Bot
	if err := json.Unmarshal([]byte(def), &bot); err != nil {
		return nil, fmt.Errorf("decode bot %d: %w", id, err)
	}
	bot.ID = id
	return &bot, nil
}

func (s *SQLStore) ListBots(ctx context.Context) ([]models.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, definition_json FROM bots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var bots []models.Bot
	for rows.Next() {
		var id int64
		var def string
		if err := rows.Scan(&id, &def); err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		var bot models.Bot
		if err := json.Unmarshal([]byte(def), &bot); err != nil {
			slog.Warn("SQLStore.ListBots: skipping undecodable bot", "botID", id, "error", err)
			continue
		}
		bot.ID = id
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

func (s *SQLStore) DeleteBot(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM bots WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete bot %d: %w", id, err)
	}
	return nil
}
