// Package persistence implements the durable task store on SQLite.
// The store is the source of truth for task state: every lifecycle
// transition is written here before the corresponding event is published.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyMaxRetries = 5
	busyBaseDelay  = 50 * time.Millisecond
	busyMaxDelay   = 500 * time.Millisecond
)

// Store wraps the SQLite database holding tasks and sessions.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the task database at path. The pool size
// is clamped to 1..10; SQLite tolerates little write concurrency, so small
// pools are the norm.
func Open(path string, poolSize int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if poolSize < 1 {
		poolSize = 1
	}
	if poolSize > 10 {
		poolSize = 10
	}
	db.SetMaxOpenConns(poolSize)

	s := &Store{db: db, path: path}
	if err := s.configurePragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	const ledger = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);`
	if _, err := s.db.Exec(ledger); err != nil {
		return fmt.Errorf("create migrations ledger: %w", err)
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	context_id TEXT NOT NULL,
	state TEXT NOT NULL,
	caller_id TEXT NOT NULL DEFAULT '',
	request TEXT NOT NULL,
	metadata TEXT,
	result TEXT,
	error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);`,
		`CREATE TABLE IF NOT EXISTS sessions (
	app_id TEXT NOT NULL,
	caller_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (app_id, caller_id, session_id)
);`,
	}

	for i, stmt := range migrations {
		version := i + 1
		applied, err := s.migrationApplied(version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}

func (s *Store) migrationApplied(version int) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check migration %d: %w", version, err)
	}
	return n > 0, nil
}

// retryOnBusy runs f, retrying with exponential backoff and jitter when
// SQLite reports the database as busy or locked.
func retryOnBusy(ctx context.Context, f func() error) error {
	var err error
	delay := busyBaseDelay
	for attempt := 0; attempt <= busyMaxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		// ±25% jitter keeps concurrent writers from retrying in lockstep.
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		sleep := delay - delay/4 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > busyMaxDelay {
			delay = busyMaxDelay
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "database table is locked")
}

// ErrTaskNotFound is returned when a task id has no persisted row.
var ErrTaskNotFound = errors.New("task not found")

// ErrStaleState is returned by UpdateTaskState when the task's persisted
// state no longer matches the expected prior state.
var ErrStaleState = errors.New("task state changed concurrently")
