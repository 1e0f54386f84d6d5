package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every Store implementation available in this environment.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			t.Logf("Postgres not available: %v", err)
		} else {
			t.Cleanup(func() { pg.Close() })
			out["postgres"] = pg
		}
	}
	return out
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://user:pw@localhost/db", "postgres"},
		{"postgresql://localhost/db", "postgres"},
		{"host=localhost dbname=dialog", "postgres"},
		{"/var/lib/dialogpipe/state.db", "sqlite3"},
		{"state.db", "sqlite3"},
	}
	for _, tt := range tests {
		if got := DetectDSNType(tt.dsn); got != tt.want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestNewWithoutDSNUsesMemory(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("New() = %T, want *InMemoryStore", s)
	}
}

func TestPostgresRebind(t *testing.T) {
	s := &SQLStore{dialect: dialectPostgres}
	got := s.q(`SELECT a FROM t WHERE b = ? AND c = ?`)
	if got != `SELECT a FROM t WHERE b = $1 AND c = $2` {
		t.Errorf("rebind = %q", got)
	}
	lite := &SQLStore{dialect: dialectSQLite}
	if lite.q(`x = ?`) != `x = ?` {
		t.Error("sqlite queries must not be rebound")
	}
}

func TestBotRepo(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			bot := models.Bot{
				ID:   42,
				Name: "greeter",
				Scenario: models.Scenario{{
					Title:       "hello",
					Flows:       map[string][]models.Transition{models.IntentFallback: {{NextAction: models.ActionEnd}}},
					IntentOrder: []string{models.IntentFallback},
				}},
				SystemPrompt: "be nice",
			}
			if err := s.SaveBot(ctx, bot); err != nil {
				t.Fatalf("SaveBot failed: %v", err)
			}
			bot.Name = "greeter-v2"
			if err := s.SaveBot(ctx, bot); err != nil {
				t.Fatalf("SaveBot (update) failed: %v", err)
			}

			got, err := s.GetBot(ctx, 42)
			if err != nil || got == nil {
				t.Fatalf("GetBot = %v, %v", got, err)
			}
			if got.Name != "greeter-v2" || got.SystemPrompt != "be nice" {
				t.Errorf("unexpected bot: %+v", got)
			}
			if len(got.Scenario) != 1 || !got.Scenario[0].Flows[models.IntentFallback][0].NextAction.End {
				t.Errorf("scenario not round-tripped: %+v", got.Scenario)
			}

			missing, err := s.GetBot(ctx, 7)
			if err != nil || missing != nil {
				t.Errorf("GetBot(missing) = %v, %v; want nil, nil", missing, err)
			}

			bots, err := s.ListBots(ctx)
			if err != nil || len(bots) != 1 {
				t.Errorf("ListBots = %d bots, %v", len(bots), err)
			}
			if err := s.DeleteBot(ctx, 42); err != nil {
				t.Fatalf("DeleteBot failed: %v", err)
			}
			if b, _ := s.GetBot(ctx, 42); b != nil {
				t.Error("bot still present after delete")
			}
		})
	}
}

func TestTranscriptRepo(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i, text := range []string{"hi", "yes", "bye"} {
				err := s.AddTranscript(ctx, TranscriptEntry{ConversationID: "c1", BotID: 1, InputText: text, OutputText: "ok", Status: "CHAT", ProcessTime: float64(i) * 0.5})
				if err != nil {
					t.Fatalf("AddTranscript failed: %v", err)
				}
			}
			_ = s.AddTranscript(ctx, TranscriptEntry{ConversationID: "other", InputText: "x"})

			all, err := s.GetTranscript(ctx, "c1", 0)
			if err != nil {
				t.Fatalf("GetTranscript failed: %v", err)
			}
			if len(all) != 3 || all[0].InputText != "hi" || all[2].InputText != "bye" {
				t.Fatalf("unexpected transcript: %+v", all)
			}
			if all[2].ProcessTime != 1.0 {
				t.Errorf("process time = %v, want 1.0", all[2].ProcessTime)
			}
			limited, _ := s.GetTranscript(ctx, "c1", 2)
			if len(limited) != 2 {
				t.Errorf("limit ignored: %d entries", len(limited))
			}
		})
	}
}

func TestDedupRepo(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first, err := s.RecordInbound(ctx, "m-1", "c1")
			if err != nil || !first {
				t.Fatalf("RecordInbound first = %v, %v", first, err)
			}
			again, err := s.RecordInbound(ctx, "m-1", "c1")
			if err != nil || again {
				t.Fatalf("RecordInbound duplicate = %v, %v", again, err)
			}
			if err := s.MarkProcessed(ctx, "m-1"); err != nil {
				t.Fatalf("MarkProcessed failed: %v", err)
			}
		})
	}
}

func TestOutboxRepo(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id1, err := s.EnqueueOutboxMessage(ctx, "c1", "tool_work_item", `{"a":1}`, "task-1")
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			id2, _ := s.EnqueueOutboxMessage(ctx, "c1", "tool_work_item", `{"a":1}`, "task-1")
			if id1 != id2 {
				t.Errorf("dedupe failed: %s != %s", id1, id2)
			}

			msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10)
			if err != nil || len(msgs) != 1 {
				t.Fatalf("Claim = %d msgs, %v", len(msgs), err)
			}
			if msgs[0].Status != OutboxStatusSending || msgs[0].PayloadJSON != `{"a":1}` {
				t.Errorf("unexpected claimed message: %+v", msgs[0])
			}
			again, _ := s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10)
			if len(again) != 0 {
				t.Errorf("message claimed twice")
			}

			if err := s.FailOutboxMessage(ctx, id1, "boom", time.Now().Add(-time.Second)); err != nil {
				t.Fatalf("Fail failed: %v", err)
			}
			retry, _ := s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10)
			if len(retry) != 1 || retry[0].Attempts != 1 {
				t.Fatalf("retry claim = %+v", retry)
			}
			if err := s.MarkOutboxMessageSent(ctx, id1); err != nil {
				t.Fatalf("MarkSent failed: %v", err)
			}

			id3, _ := s.EnqueueOutboxMessage(ctx, "c1", "tool_work_item", `{"a":1}`, "task-1")
			if id3 == id1 {
				t.Error("sent message should not block a new enqueue with the same key")
			}
		})
	}
}

func TestJobRepoLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.EnqueueJob(ctx, "extract_context", time.Now().Add(-time.Second), `{"conversation_id":"c1"}`, "extract:c1")
			if err != nil {
				t.Fatalf("EnqueueJob failed: %v", err)
			}
			dup, _ := s.EnqueueJob(ctx, "extract_context", time.Now(), `{}`, "extract:c1")
			if dup != id {
				t.Errorf("dedupe failed: %s != %s", dup, id)
			}

			jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
			if err != nil || len(jobs) != 1 {
				t.Fatalf("ClaimDueJobs = %d, %v", len(jobs), err)
			}
			for i := 0; i < defaultMaxAttempts; i++ {
				if err := s.FailJob(ctx, id, "llm down", time.Now().Add(-time.Second)); err != nil {
					t.Fatalf("FailJob failed: %v", err)
				}
			}
			job, err := s.GetJob(ctx, id)
			if err != nil || job == nil {
				t.Fatalf("GetJob = %v, %v", job, err)
			}
			if job.Status != JobStatusFailed || job.LastError != "llm down" {
				t.Errorf("job = %+v, want failed", job)
			}

			missing, err := s.GetJob(ctx, "job_missing")
			if err != nil || missing != nil {
				t.Errorf("GetJob(missing) = %v, %v", missing, err)
			}
		})
	}
}

func TestJobRunnerExecutesAndRetries(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	runner := NewJobRunner(s, 10*time.Millisecond)

	var calls int32
	runner.RegisterHandler("flaky", func(ctx context.Context, payload string) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	id, _ := s.EnqueueJob(ctx, "flaky", time.Now().Add(-time.Second), `{}`, "")
	runner.RunDue(ctx)

	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusQueued || job.Attempt != 1 {
		t.Fatalf("after failure job = %+v", job)
	}
	if !job.RunAt.After(time.Now()) {
		t.Error("failed job should be rescheduled in the future")
	}

	// Pull the retry forward instead of waiting out the backoff.
	if err := s.FailJob(ctx, id, "forced", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	runner.RunDue(ctx)
	job, _ = s.GetJob(ctx, id)
	if job.Status != JobStatusDone {
		t.Errorf("job status = %s, want done", job.Status)
	}
}

func TestJobRunnerRestartRecovery(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "restart.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	id, _ := s1.EnqueueJob(ctx, "extract_context", time.Now().Add(-time.Second), `{}`, "")
	if _, err := s1.ClaimDueJobs(ctx, time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	var executed int32
	runner := NewJobRunner(s2, time.Hour)
	runner.staleThreshold = 0
	runner.RegisterHandler("extract_context", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})
	if err := runner.RecoverStaleJobs(ctx); err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}
	runner.RunDue(ctx)

	if atomic.LoadInt32(&executed) != 1 {
		t.Errorf("executed %d times, want 1", executed)
	}
	job, _ := s2.GetJob(ctx, id)
	if job.Status != JobStatusDone {
		t.Errorf("status = %s, want done", job.Status)
	}
}

func TestOutboxRelayDeliversAndBacksOff(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	var delivered []string
	fail := true
	relay := NewOutboxRelay(s, func(ctx context.Context, msg OutboxMessage) error {
		if fail {
			return errors.New("queue down")
		}
		delivered = append(delivered, msg.PayloadJSON)
		return nil
	}, 10*time.Millisecond)
	relay.baseBackoff = 0

	if _, err := s.EnqueueOutboxMessage(ctx, "c1", "tool_work_item", "p1", "k1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if n := relay.Flush(ctx); n != 0 {
		t.Fatalf("Flush while failing delivered %d", n)
	}
	fail = false
	if n := relay.Flush(ctx); n != 1 {
		t.Fatalf("Flush delivered %d, want 1", n)
	}
	if len(delivered) != 1 || delivered[0] != "p1" {
		t.Errorf("delivered = %v", delivered)
	}
	if n := relay.Flush(ctx); n != 0 {
		t.Errorf("sent message delivered again")
	}
}
