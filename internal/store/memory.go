package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/util"
)

// InMemoryStore implements Store without persistence. It is used when no DSN
// is configured and in tests.
type InMemoryStore struct {
	mu          sync.Mutex
	bots        map[int64]models.Bot
	transcripts map[string][]TranscriptEntry
	nextEntryID int64
	outbox      map[string]*OutboxMessage
	inbound     map[string]*time.Time
	jobs        map[string]*Job
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		bots:        make(map[int64]models.Bot),
		transcripts: make(map[string][]TranscriptEntry),
		outbox:      make(map[string]*OutboxMessage),
		inbound:     make(map[string]*time.Time),
		jobs:        make(map[string]*Job),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) SaveBot(_ context.Context, bot models.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot.Scenario = bot.Scenario.Clone()
	s.bots[bot.ID] = bot
	return nil
}

func (s *InMemoryStore) GetBot(_ context.Context, id int64) (*models.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[id]
	if !ok {
		return nil, nil
	}
	bot.Scenario = bot.Scenario.Clone()
	return &bot, nil
}

func (s *InMemoryStore) ListBots(_ context.Context) ([]models.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Bot, 0, len(s.bots))
	for _, b := range s.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) DeleteBot(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bots, id)
	return nil
}

func (s *InMemoryStore) AddTranscript(_ context.Context, e TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEntryID++
	e.ID = s.nextEntryID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.transcripts[e.ConversationID] = append(s.transcripts[e.ConversationID], e)
	return nil
}

func (s *InMemoryStore) GetTranscript(_ context.Context, conversationID string, limit int) ([]TranscriptEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.transcripts[conversationID]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return append([]TranscriptEntry(nil), entries...), nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(_ context.Context, conversationID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && (m.Status == OutboxStatusQueued || m.Status == OutboxStatusSending) {
				return m.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	id := util.GenerateRandomID("obx_", 32)
	s.outbox[id] = &OutboxMessage{
		ID: id, ConversationID: conversationID, Kind: kind, PayloadJSON: payloadJSON,
		Status: OutboxStatusQueued, DedupeKey: dedupeKey, NextAttemptAt: &now,
		CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(_ context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, len(due))
	for i, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out[i] = *m
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Status = OutboxStatusSent
	m.LockedAt = nil
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(_ context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Attempts++
	m.LastError = errMsg
	m.LockedAt = nil
	m.NextAttemptAt = &nextAttemptAt
	m.Status = OutboxStatusQueued
	if m.Attempts >= outboxMaxAttempts {
		m.Status = OutboxStatusFailed
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inbound[messageID]; seen {
		return false, nil
	}
	s.inbound[messageID] = nil
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.inbound[messageID] = &now
	return nil
}

func (s *InMemoryStore) EnqueueJob(_ context.Context, kind string, runAt time.Time, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
				return j.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	id := util.GenerateRandomID("job_", 32)
	s.jobs[id] = &Job{
		ID: id, Kind: kind, RunAt: runAt, PayloadJSON: payloadJSON, Status: JobStatusQueued,
		MaxAttempts: defaultMaxAttempts, DedupeKey: dedupeKey, CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].RunAt.Before(due[b].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, len(due))
	for i, j := range due {
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		out[i] = *j
	}
	return out, nil
}

func (s *InMemoryStore) CompleteJob(_ context.Context, id string) error {
	return s.setJob(id, func(j *Job) { j.Status = JobStatusDone })
}

func (s *InMemoryStore) CancelJob(_ context.Context, id string) error {
	return s.setJob(id, func(j *Job) { j.Status = JobStatusCanceled })
}

func (s *InMemoryStore) FailJob(_ context.Context, id, errMsg string, nextRunAt time.Time) error {
	return s.setJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.RunAt = nextRunAt
		j.Status = JobStatusQueued
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
		}
	})
}

func (s *InMemoryStore) setJob(id string, mutate func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	mutate(j)
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}
