// Package durable is the client for the shared durable store: the single
// authoritative Postgres database holding synced entities, blob metadata, and
// device presence records.
//
// Devices never read their working state from here directly; they write
// through the batched write endpoint and read committed state back through
// the change feed. The client therefore exposes a deliberately narrow
// surface: batched upserts, blob-meta/presence coordination, and the device
// roster.
package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
)

const (
	defaultConnectTimeout  = 5 * time.Second
	defaultConnectAttempts = 3
	defaultOperationTimeout = 10 * time.Second

	// acquireTimeout bounds how long a request waits for a pooled
	// connection before failing with ErrPoolExhausted.
	acquireTimeout = 2 * time.Second
)

// ErrPoolExhausted indicates the connection pool had no free connection
// within the acquire window. Callers should retry later instead of queueing.
var ErrPoolExhausted = errors.New("durable store connection pool exhausted, try again")

// Config configures the durable store connection.
type Config struct {
	// DSN is the Postgres connection string. Required.
	DSN string

	// MaxOpenConns bounds the shared pool (default 10).
	MaxOpenConns int
	// MaxIdleConns bounds idle pooled connections (default 5).
	MaxIdleConns int

	// ConnectTimeout bounds each connection attempt (default 5s).
	ConnectTimeout time.Duration
	// ConnectAttempts is how many times to try connecting, with doubling
	// delay between attempts (default 3).
	ConnectAttempts int

	// Logger for connection lifecycle messages. Nil means stderr default.
	Logger *log.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 10
	}
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = 5
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = defaultConnectTimeout
	}
	if out.ConnectAttempts <= 0 {
		out.ConnectAttempts = defaultConnectAttempts
	}
	if out.Logger == nil {
		out.Logger = log.New(os.Stderr, "[durable] ", log.LstdFlags)
	}
	return out
}

// Client is a handle on the durable store. Safe for concurrent use; all
// request paths share one bounded connection pool.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// Connect opens the durable store connection, verifying it with bounded,
// backed-off ping attempts. After the final attempt fails the connection
// error is surfaced rather than hanging.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("durable store DSN is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	delay := cfg.ConnectTimeout / 2
	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		lastErr = db.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			return &Client{db: db, logger: cfg.Logger}, nil
		}
		if attempt < cfg.ConnectAttempts {
			cfg.Logger.Printf("connect attempt %d/%d failed: %v (retrying in %s)",
				attempt, cfg.ConnectAttempts, lastErr, delay)
			select {
			case <-ctx.Done():
				_ = db.Close()
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	_ = db.Close()
	return nil, fmt.Errorf("durable store unreachable after %d attempts: %w",
		cfg.ConnectAttempts, lastErr)
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// acquire obtains a pooled connection with a bounded wait. Exhaustion
// degrades to ErrPoolExhausted instead of an unbounded queue.
func (c *Client) acquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	conn, err := c.db.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrPoolExhausted
		}
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return conn, nil
}

// BackoffSchedule returns the delays used between n connect attempts given
// the initial delay. Exposed for the retry policy tests.
func BackoffSchedule(initial time.Duration, attempts int) []time.Duration {
	if attempts < 2 {
		return nil
	}
	out := make([]time.Duration, 0, attempts-1)
	d := initial
	for i := 0; i < attempts-1; i++ {
		out = append(out, d)
		d *= 2
	}
	return out
}
