package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/pkg/logger"
	"github.com/abparts/troubleshoot/pkg/retry"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrStepNotOpen      = errors.New("diagnostic step is not the open step")
	ErrSessionNotActive = errors.New("session is not active")
)

type Client struct {
	db          *sql.DB
	retryConfig retry.Config
}

type Options struct {
	BusyTimeoutMs int
	MaxOpenConns  int
}

func NewClient(dbPath string, opts Options) (*Client, error) {
	if opts.BusyTimeoutMs <= 0 {
		opts.BusyTimeoutMs = 5000
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 8
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Immediate transactions take the write lock up front, so two feedback
	// submissions for one step serialise instead of failing on lock upgrade.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate",
		dbPath, opts.BusyTimeoutMs)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	retryConfig := retry.Config{
		MaxAttempts:    5,
		InitialDelay:   20 * time.Millisecond,
		MaxDelay:       500 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.2,
		ShouldRetry:    IsConflictError,
		Logger:         logger.GetLogger(),
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, retryConfig: retryConfig}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		machine_id TEXT NOT NULL DEFAULT '',
		machine_model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		language TEXT NOT NULL,
		problem_category TEXT NOT NULL DEFAULT '',
		problem_description TEXT NOT NULL DEFAULT '',
		resolution_summary TEXT NOT NULL DEFAULT '',
		satisfaction_rating INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		session_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		language TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS diagnostic_steps (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		instruction TEXT NOT NULL,
		estimated_duration_minutes INTEGER NOT NULL,
		confidence_score REAL NOT NULL,
		requires_feedback INTEGER NOT NULL DEFAULT 1,
		safety_warnings TEXT NOT NULL DEFAULT '[]',
		expected_outcomes TEXT NOT NULL DEFAULT '[]',
		completed INTEGER NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		problem_category TEXT NOT NULL,
		solution_description TEXT NOT NULL,
		new_solution INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		UNIQUE (session_id, step_number),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_one_open ON diagnostic_steps(session_id) WHERE completed = 0;

	CREATE TABLE IF NOT EXISTS session_outcomes (
		session_id TEXT PRIMARY KEY,
		outcome_type TEXT NOT NULL,
		resolution_time_minutes REAL NOT NULL,
		steps_taken INTEGER NOT NULL,
		satisfaction_rating INTEGER,
		extracted_learnings TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS machine_facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		machine_model TEXT NOT NULL,
		fact_type TEXT NOT NULL,
		fact_key TEXT NOT NULL,
		fact_value TEXT NOT NULL,
		confidence_score REAL NOT NULL CHECK (confidence_score >= 0 AND confidence_score <= 1),
		times_confirmed INTEGER NOT NULL DEFAULT 1,
		times_contradicted INTEGER NOT NULL DEFAULT 0,
		source_sessions TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (machine_model, fact_type, fact_key)
	);
	CREATE INDEX IF NOT EXISTS idx_facts_model ON machine_facts(machine_model);

	CREATE TABLE IF NOT EXISTS solution_effectiveness (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		problem_category TEXT NOT NULL,
		solution_description TEXT NOT NULL,
		machine_model TEXT NOT NULL DEFAULT '',
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		avg_resolution_time_minutes REAL NOT NULL DEFAULT 0,
		last_used_at INTEGER,
		created_at INTEGER NOT NULL,
		UNIQUE (problem_category, solution_description, machine_model)
	);
	CREATE INDEX IF NOT EXISTS idx_effectiveness_category ON solution_effectiveness(problem_category, machine_model);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		priority TEXT NOT NULL,
		reason TEXT NOT NULL,
		transcript_summary TEXT NOT NULL,
		notified INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_session ON tickets(session_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// Tx is a write transaction handed to WithTx callbacks.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn in an immediate transaction and retries the whole
// transaction on SQLITE_BUSY. fn must not have side effects outside tx.
func (c *Client) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		sqlTx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := fn(&Tx{tx: sqlTx}); err != nil {
			_ = sqlTx.Rollback()
			return err
		}

		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// IsConflictError reports SQLite lock contention, which is worth retrying.
func IsConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeStrings(raw string) []string {
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return []string{}
	}
	return values
}
