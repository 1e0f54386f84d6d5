package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/util"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// Job is a durable unit of background work, such as context extraction.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo persists durable jobs.
type JobRepo interface {
	// EnqueueJob inserts a job. When dedupeKey is set and a non-terminal job
	// with that key exists, its ID is returned instead.
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON, dedupeKey string) (string, error)
	// ClaimDueJobs moves up to limit queued jobs with run_at <= now to running.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	CompleteJob(ctx context.Context, id string) error
	// FailJob reschedules the job at nextRunAt, or marks it failed once
	// max_attempts is reached.
	FailJob(ctx context.Context, id, errMsg string, nextRunAt time.Time) error
	CancelJob(ctx context.Context, id string) error
	// RequeueStaleRunningJobs returns jobs locked before staleBefore to queued.
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)
	// GetJob returns nil, nil when the job does not exist.
	GetJob(ctx context.Context, id string) (*Job, error)
}

var _ JobRepo = (*SQLStore)(nil)

const (
	jobColumns         = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`
	defaultMaxAttempts = 3
)

func (s *SQLStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.db.QueryRowContext(ctx, s.q(
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status IN ('queued', 'running')`),
			dedupeKey,
		).Scan(&existing)
		if err == nil {
			slog.Debug("SQLStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existing)
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("job dedupe check: %w", err)
		}
	}

	id := util.GenerateRandomID("job_", 32)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`),
		id, kind, runAt.UTC(), payloadJSON, defaultMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	slog.Debug("SQLStore.EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *SQLStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim jobs begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.q(
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at LIMIT ?`),
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim jobs query: %w", err)
	}
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs iterate: %w", err)
	}

	for i := range jobs {
		if _, err := tx.ExecContext(ctx, s.q(
			`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`),
			now, now, jobs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("claim jobs update: %w", err)
		}
		jobs[i].Status = JobStatusRunning
		jobs[i].LockedAt = &now
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim jobs commit: %w", err)
	}
	return jobs, nil
}

func (s *SQLStore) CompleteJob(ctx context.Context, id string) error {
	return s.setJobStatus(ctx, id, JobStatusDone)
}

func (s *SQLStore) CancelJob(ctx context.Context, id string) error {
	return s.setJobStatus(ctx, id, JobStatusCanceled)
}

func (s *SQLStore) setJobStatus(ctx context.Context, id string, status JobStatus) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set job %s %s: %w", id, status, err)
	}
	return nil
}

func (s *SQLStore) FailJob(ctx context.Context, id, errMsg string, nextRunAt time.Time) error {
	var attempt, maxAttempts int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`), id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("fail job %s lookup: %w", id, err)
	}
	attempt++
	status := JobStatusQueued
	if attempt >= maxAttempts {
		status = JobStatusFailed
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`UPDATE jobs SET status = ?, attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		string(status), attempt, errMsg, nextRunAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail job %s update: %w", id, err)
	}
	return nil
}

func (s *SQLStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`),
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	j, err := scanJob(rows)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJob(rows *sql.Rows) (Job, error) {
	var j Job
	var payload, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := rows.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payload, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, fmt.Errorf("scan job: %w", err)
	}
	j.PayloadJSON = payload.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}
