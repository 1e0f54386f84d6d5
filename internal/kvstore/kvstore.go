// Package kvstore provides the key-value store shared by the orchestrator and
// the tool workers: conversation records and pending task results live here.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the key-value contract. A Get after a Set on the same key must
// observe the write.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// MGet returns the values of the keys that exist; absent keys are omitted.
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Opts holds configuration for Redis-backed stores.
type Opts struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
	KeyPrefix    string
}

// Option configures Opts.
type Option func(*Opts)

// WithAddr sets the Redis address (host:port).
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPassword sets the Redis password.
func WithPassword(password string) Option {
	return func(o *Opts) { o.Password = password }
}

// WithDB selects the Redis database number.
func WithDB(db int) Option {
	return func(o *Opts) { o.DB = db }
}

// WithPoolSize sets the connection pool size.
func WithPoolSize(n int) Option {
	return func(o *Opts) { o.PoolSize = n }
}

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.KeyPrefix = prefix }
}

func defaultOpts() Opts {
	return Opts{
		Addr:         "localhost:6379",
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}
