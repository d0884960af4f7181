// Package store owns the shared SQLite database used by every engine
// component: connection setup, schema, transactions and the error taxonomy.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver.
	DriverMattn = "sqlite3"
)

// Options configures how the database is opened.
type Options struct {
	Driver        string
	Path          string
	BusyTimeoutMs int
}

// Store wraps the engine database.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens (or creates) the database at opts.Path and applies the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.Driver == "" {
		opts.Driver = DriverModernc
	}
	if opts.BusyTimeoutMs <= 0 {
		opts.BusyTimeoutMs = 5000
	}

	dsn, err := buildDSN(opts)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	// A single connection serialises this handle's writers. Transactions
	// begin IMMEDIATE, so writers on other handles wait on busy_timeout
	// instead of failing a read-to-write lock upgrade.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping store db: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	migrate(ctx, db)

	slog.Debug("Store opened", "driver", opts.Driver, "path", opts.Path)
	return &Store{db: db, driver: opts.Driver}, nil
}

func buildDSN(opts Options) (string, error) {
	switch opts.Driver {
	case DriverModernc:
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate",
			opts.Path, opts.BusyTimeoutMs), nil
	case DriverMattn:
		return fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
			opts.Path, opts.BusyTimeoutMs), nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}

// migrate applies best-effort migrations for databases created by older builds.
// Each statement is a no-op when the change is already present.
func migrate(ctx context.Context, db *sql.DB) {
	_, _ = db.ExecContext(ctx, `ALTER TABLE memory_banks ADD COLUMN owner_agent_id TEXT`)
	_, _ = db.ExecContext(ctx, `ALTER TABLE learning_events ADD COLUMN domain TEXT NOT NULL DEFAULT ''`)
	_, _ = db.ExecContext(ctx, `ALTER TABLE improvement_actions ADD COLUMN config_changes TEXT NOT NULL DEFAULT '{}'`)
	_, _ = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_learning_domain ON learning_events(domain)`)
}

// DB returns the underlying *sql.DB for component stores.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string { return s.driver }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, retrying when SQLite reports the
// database as busy. fn must use only tx for database access.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	return RetryOnBusy(ctx, 5, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// RetryOnBusy retries f with bounded exponential backoff while it fails with
// SQLITE_BUSY or SQLITE_LOCKED. Any other error is returned immediately.
func RetryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !IsBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// IsBusy reports whether err is a SQLite BUSY (5) or LOCKED (6) error.
// Detection is by message so both drivers are covered.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
