// Package sqlite is the modernc.org/sqlite implementation of store.Store,
// for single-family installs and tests. A single connection serializes all
// units of work, which gives View the same snapshot guarantee as Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/store"
)

// Store implements store.Store on a SQLite file.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.WithField("path", path).Info("SQLite store opened")
	return s, nil
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, fn)
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, fn)
}

func (s *Store) run(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		log.WithError(err).Warn("Close sqlite db")
	}
}

// Migrate applies pending migrations, tracking versions in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)`, version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if exists {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, time.Now().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		log.Debugf("SQLite migration %d applied", version)
	}
	return nil
}

// classify maps SQLITE_BUSY / SQLITE_LOCKED to common.ErrConcurrencyConflict.
func classify(err error) error {
	if err == nil || errors.Is(err, common.ErrConcurrencyConflict) {
		return err
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", common.ErrConcurrencyConflict, err)
		}
	}
	return err
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, common.ErrNotFound)
	}
	return fmt.Errorf("get %s %v: %w", what, id, err)
}

// Timestamps are stored as unix milliseconds, calendar days as "2006-01-02".

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func toDate(t time.Time) string {
	return common.FormatDate(t)
}

func fromDate(s string) (time.Time, error) {
	t, err := common.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored date %q: %w", s, err)
	}
	return t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// migrations are applied in slice order; version = index + 1.
// One statement per entry.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('parent', 'child')),
		pin_hash TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_role ON users(role)`,

	`CREATE TABLE IF NOT EXISTS study_plans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		child_id INTEGER NOT NULL REFERENCES users(id),
		plan_date TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_study_plans_child_date ON study_plans(child_id, plan_date)`,
	`CREATE TABLE IF NOT EXISTS study_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plan_id INTEGER NOT NULL REFERENCES study_plans(id) ON DELETE CASCADE,
		subject TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		estimated_minutes INTEGER NOT NULL DEFAULT 30 CHECK (estimated_minutes > 0),
		actual_minutes INTEGER CHECK (actual_minutes >= 0),
		is_homework INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'in_progress', 'completed', 'approved', 'rejected')),
		started_at INTEGER,
		completed_at INTEGER,
		approved_at INTEGER,
		approved_by INTEGER REFERENCES users(id),
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_study_tasks_plan ON study_tasks(plan_id)`,
	`CREATE INDEX IF NOT EXISTS idx_study_tasks_status ON study_tasks(status)`,

	`CREATE TABLE IF NOT EXISTS reward_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trigger_type TEXT NOT NULL,
		trigger_condition TEXT,
		reward_minutes INTEGER NOT NULL CHECK (reward_minutes > 0),
		description TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS activity_wallets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		child_id INTEGER NOT NULL UNIQUE REFERENCES users(id),
		balance INTEGER NOT NULL DEFAULT 0,
		daily_limit INTEGER NOT NULL DEFAULT 120 CHECK (daily_limit >= 0),
		carry_over INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS activity_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		child_id INTEGER NOT NULL REFERENCES users(id),
		activity_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		consumed_minutes INTEGER NOT NULL,
		source TEXT NOT NULL CHECK (source IN ('manual', 'system')),
		idempotency_key TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (child_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_logs_child_created ON activity_logs(child_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS reward_grants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id INTEGER NOT NULL,
		child_id INTEGER NOT NULL REFERENCES users(id),
		granted_date TEXT NOT NULL,
		granted_minutes INTEGER NOT NULL CHECK (granted_minutes > 0),
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE (rule_id, child_id, granted_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reward_grants_child_created ON reward_grants(child_id, created_at)`,
}
