// Package store provides persistence for DialogPipe: bot definitions,
// conversation transcripts, the tool-dispatch outbox, inbound message
// deduplication and durable background jobs.
//
// SQLite and PostgreSQL share one SQL implementation; an in-memory store is
// used when no DSN is configured.
package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// Store aggregates every repository used by the service.
type Store interface {
	BotRepo
	TranscriptRepo
	OutboxRepo
	DedupRepo
	JobRepo
	Close() error
}

// Opts holds configuration for store constructors.
type Opts struct {
	DSN    string
	Driver string
}

// Option configures Opts.
type Option func(*Opts)

// WithSQLiteDSN selects SQLite with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithPostgresDSN selects PostgreSQL with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value DSNs and
// "sqlite3" for anything else (file paths).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the store described by opts, falling back to an in-memory store
// when no DSN is set.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("store.New: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	switch driver {
	case "postgres":
		return NewPostgresStore(opts...)
	case "sqlite3":
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
