// Package postgres: queries.go holds the schema migrations and the helper
// that applies them.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Migrate applies every pending migration in order.
func (s *Store) Migrate(ctx context.Context) error {
	return RunMigrations(ctx, s.db)
}

// RunMigrations creates schema_migrations and applies the inline
// migrations that are not recorded there yet.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for i, sql := range migrations {
		version := i + 1
		applied, err := ExecMigrationSQL(ctx, pool, version, sql)
		if err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if applied {
			log.Infof("Migration %d applied", version)
		}
	}
	return nil
}

// ExecMigrationSQL runs one migration in a transaction and records its
// version. It reports false when the version was already applied.
//
// Parameters:
//   - ctx: context
//   - pool: connection pool
//   - version: migration number recorded in schema_migrations
//   - sql: migration body
func ExecMigrationSQL(ctx context.Context, pool *pgxpool.Pool, version int, sql string) (bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serializes concurrent migrators (two replicas starting together).
	if _, err := tx.Exec(ctx, "LOCK TABLE schema_migrations IN EXCLUSIVE MODE"); err != nil {
		return false, fmt.Errorf("lock schema_migrations: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, sql); err != nil {
		return false, fmt.Errorf("execute: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (version) VALUES ($1)", version,
	); err != nil {
		return false, fmt.Errorf("record version: %w", err)
	}

	return true, tx.Commit(ctx)
}

// migrations are applied in slice order; version = index + 1.
// Never edit an applied migration, append a new one.
var migrations = []string{
	migration001Family,
	migration002Plans,
	migration003Rules,
	migration004Wallets,
}

var migration001Family = `
CREATE TABLE IF NOT EXISTS users (
    id BIGSERIAL PRIMARY KEY,
    name VARCHAR(100) NOT NULL,
    role VARCHAR(16) NOT NULL CHECK (role IN ('parent', 'child')),
    pin_hash TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
`

var migration002Plans = `
CREATE TABLE IF NOT EXISTS study_plans (
    id BIGSERIAL PRIMARY KEY,
    child_id BIGINT NOT NULL REFERENCES users(id),
    plan_date DATE NOT NULL,
    title VARCHAR(200) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_study_plans_child_date ON study_plans(child_id, plan_date);
CREATE TABLE IF NOT EXISTS study_tasks (
    id BIGSERIAL PRIMARY KEY,
    plan_id BIGINT NOT NULL REFERENCES study_plans(id) ON DELETE CASCADE,
    subject VARCHAR(50) NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    estimated_minutes INTEGER NOT NULL DEFAULT 30 CHECK (estimated_minutes > 0),
    actual_minutes INTEGER CHECK (actual_minutes >= 0),
    is_homework BOOLEAN NOT NULL DEFAULT FALSE,
    status VARCHAR(16) NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'in_progress', 'completed', 'approved', 'rejected')),
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    approved_at TIMESTAMPTZ,
    approved_by BIGINT REFERENCES users(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_study_tasks_plan ON study_tasks(plan_id);
CREATE INDEX IF NOT EXISTS idx_study_tasks_status ON study_tasks(status);
`

var migration003Rules = `
CREATE TABLE IF NOT EXISTS reward_rules (
    id BIGSERIAL PRIMARY KEY,
    trigger_type VARCHAR(32) NOT NULL,
    trigger_condition JSONB,
    reward_minutes INTEGER NOT NULL CHECK (reward_minutes > 0),
    description TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

var migration004Wallets = `
CREATE TABLE IF NOT EXISTS activity_wallets (
    id BIGSERIAL PRIMARY KEY,
    child_id BIGINT UNIQUE NOT NULL REFERENCES users(id),
    balance INTEGER NOT NULL DEFAULT 0,
    daily_limit INTEGER NOT NULL DEFAULT 120 CHECK (daily_limit >= 0),
    carry_over BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS activity_logs (
    id BIGSERIAL PRIMARY KEY,
    child_id BIGINT NOT NULL REFERENCES users(id),
    activity_type VARCHAR(16) NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    consumed_minutes INTEGER NOT NULL,
    source VARCHAR(16) NOT NULL CHECK (source IN ('manual', 'system')),
    idempotency_key VARCHAR(100) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (child_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_activity_logs_child_created ON activity_logs(child_id, created_at DESC);
-- No foreign key on rule_id: grants outlive deleted rules.
CREATE TABLE IF NOT EXISTS reward_grants (
    id BIGSERIAL PRIMARY KEY,
    rule_id BIGINT NOT NULL,
    child_id BIGINT NOT NULL REFERENCES users(id),
    granted_date DATE NOT NULL,
    granted_minutes INTEGER NOT NULL CHECK (granted_minutes > 0),
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (rule_id, child_id, granted_date)
);
CREATE INDEX IF NOT EXISTS idx_reward_grants_child_created ON reward_grants(child_id, created_at DESC);
`
