// Package store is the durable, typed façade every Borg component shares:
// chats, messages, agent sessions, pipeline tasks, task outputs, the
// integration queue, and process-wide key/value state all live here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver; no cgo toolchain required to cross-compile the orchestrator
)

const (
	schemaVersionLatest = 1

	busyMaxRetries = 5
	busyBaseDelay  = 50 * time.Millisecond
	busyMaxDelay   = 500 * time.Millisecond
)

// phaseObserver decouples Store from internal/metrics: AppendOutput
// reports every phase attempt through it if one has been attached via
// SetMetrics. Kept as a local interface rather than importing the
// metrics package directly so store has no dependency on Prometheus.
type phaseObserver interface {
	ObservePhase(phase string, durationMs int64, success bool, costUSD float64)
}

// Store wraps a single SQLite connection opened in WAL mode. Every write
// goes through a single connection (SetMaxOpenConns(1)); concurrent reads
// are allowed by SQLite's WAL readers.
type Store struct {
	db      *sql.DB
	metrics phaseObserver
}

// SetMetrics attaches a phase observer (typically *metrics.Registry) so
// every AppendOutput call also updates the live Prometheus series. Safe
// to leave unset; nil observer means metrics are simply not recorded.
func (s *Store) SetMetrics(m phaseObserver) {
	s.metrics = m
}

// DefaultDBPath returns store/borg.db under the given data directory.
func DefaultDBPath(dataDir string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return filepath.Join(dataDir, "store", "borg.db")
}

// Open creates (if needed) and opens the SQLite database at path, applying
// pragmas and the schema migration ledger before returning.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath(".")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection for components (e.g. metrics) that
// need to run ad-hoc read queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: set pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("store: read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("store: db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion < 1 {
		for _, stmt := range schemaV1 {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: apply schema v1: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (1);`); err != nil {
			return fmt.Errorf("store: record schema v1: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit migration tx: %w", err)
	}
	return nil
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS chats (
		chat_id          TEXT PRIMARY KEY,
		display_name     TEXT NOT NULL,
		folder           TEXT NOT NULL,
		trigger_phrase   TEXT NOT NULL,
		requires_trigger INTEGER NOT NULL DEFAULT 1,
		created_at       TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		chat_id        TEXT NOT NULL,
		message_id     TEXT NOT NULL,
		sender_id      TEXT NOT NULL,
		sender_display TEXT NOT NULL,
		body           TEXT NOT NULL,
		timestamp      TEXT NOT NULL,
		is_from_self   INTEGER NOT NULL DEFAULT 0,
		is_bot_reply   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (chat_id, message_id),
		FOREIGN KEY (chat_id) REFERENCES chats(chat_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, timestamp);`,
	`CREATE TABLE IF NOT EXISTS agent_sessions (
		folder     TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS pipeline_tasks (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		title        TEXT NOT NULL,
		description  TEXT NOT NULL,
		repo_path    TEXT NOT NULL,
		branch       TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		attempt      INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		last_error   TEXT NOT NULL DEFAULT '',
		created_by   TEXT NOT NULL DEFAULT '',
		notify_chat  TEXT NOT NULL DEFAULT '',
		session_id   TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON pipeline_tasks(status);`,
	`CREATE TABLE IF NOT EXISTS task_outputs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     INTEGER NOT NULL,
		phase       TEXT NOT NULL,
		output      TEXT NOT NULL,
		raw_stream  TEXT NOT NULL DEFAULT '',
		exit_code   INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		success     INTEGER NOT NULL DEFAULT 1,
		cost_usd    REAL NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES pipeline_tasks(id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_outputs_task ON task_outputs(task_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id    INTEGER NOT NULL,
		branch     TEXT NOT NULL,
		repo_path  TEXT NOT NULL,
		status     TEXT NOT NULL,
		queued_at  TEXT NOT NULL,
		pr_number  INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (task_id) REFERENCES pipeline_tasks(id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_queue_repo_status ON queue_entries(repo_path, status);`,
	`CREATE TABLE IF NOT EXISTS kv_state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
}

// retryOnBusy retries f with exponential backoff bounded by busyMaxRetries
// when the driver reports the database is busy or locked. WAL mode still
// serializes writers; this is a belt-and-braces cushion over the driver's
// own busy_timeout.
func retryOnBusy(ctx context.Context, f func() error) error {
	delay := busyBaseDelay
	var err error
	for attempt := 0; attempt <= busyMaxRetries; attempt++ {
		err = f()
		if err == nil || !isBusyErr(err) {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > busyMaxDelay {
			delay = busyMaxDelay
		}
	}
	return err
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
