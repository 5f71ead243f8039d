// Package store defines the persistence contract shared by the PostgreSQL
// and SQLite implementations.
//
// All reads and writes happen inside a unit of work: Update for writes and
// View for consistent read-only snapshots. Services never hold a Tx across
// units. Missing rows are reported as common.ErrNotFound, serialization
// failures as common.ErrConcurrencyConflict.
package store

import (
	"context"
	"time"

	"serotonyl.ru/s2a/internal/domain"
)

// Store opens units of work.
type Store interface {
	// Update runs fn in a read-write transaction. fn's error rolls the
	// transaction back; nil commits it.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction that sees one snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error
	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// Tx is the set of queries available inside a unit of work.
type Tx interface {
	// --- users ---
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	ListUsers(ctx context.Context, role *domain.Role) ([]*domain.User, error)

	// --- plans ---
	// CreatePlan inserts the plan and every task in p.Tasks, filling ids.
	CreatePlan(ctx context.Context, p *domain.Plan) error
	// GetPlan returns the plan with its tasks.
	GetPlan(ctx context.Context, id int64) (*domain.Plan, error)
	// ListPlans returns plans with their tasks, newest plan date first.
	ListPlans(ctx context.Context, f PlanFilter) ([]*domain.Plan, error)
	// DeletePlan removes the plan and all of its tasks.
	DeletePlan(ctx context.Context, id int64) error

	// --- tasks ---
	// AddTask inserts t into plan t.PlanID.
	AddTask(ctx context.Context, t *domain.Task) error
	// GetTask loads a task. forUpdate takes a row lock until the unit ends.
	GetTask(ctx context.Context, id int64, forUpdate bool) (*domain.Task, error)
	// UpdateTask writes every mutable column of t.
	UpdateTask(ctx context.Context, t *domain.Task) error
	ListTasks(ctx context.Context, f TaskFilter) ([]*domain.Task, error)

	// --- rules ---
	CreateRule(ctx context.Context, r *domain.Rule) error
	GetRule(ctx context.Context, id int64) (*domain.Rule, error)
	// ListRules returns rules in creation order.
	ListRules(ctx context.Context, activeOnly bool) ([]*domain.Rule, error)
	UpdateRule(ctx context.Context, r *domain.Rule) error
	DeleteRule(ctx context.Context, id int64) error
	CountRules(ctx context.Context) (int, error)

	// --- wallets ---
	// EnsureWallet creates the wallet with the given defaults if missing.
	EnsureWallet(ctx context.Context, childID int64, dailyLimit int, carryOver bool) error
	// GetWallet loads a wallet. forUpdate takes a row lock until the unit ends.
	GetWallet(ctx context.Context, childID int64, forUpdate bool) (*domain.Wallet, error)
	ListWallets(ctx context.Context) ([]*domain.Wallet, error)
	// AddToBalance applies delta and returns the new balance.
	AddToBalance(ctx context.Context, childID int64, delta int) (int, error)
	UpdateWalletSettings(ctx context.Context, w *domain.Wallet) error

	// --- activity logs (append-only) ---
	InsertActivity(ctx context.Context, l *domain.ActivityLog) error
	// FindActivityByKey returns the entry written with (childID, key) or ErrNotFound.
	FindActivityByKey(ctx context.Context, childID int64, key string) (*domain.ActivityLog, error)
	// ListActivity returns entries newest first.
	ListActivity(ctx context.Context, f ActivityFilter) ([]*domain.ActivityLog, error)
	// SumConsumed sums positive consumption of the given types in [from, to).
	SumConsumed(ctx context.Context, childID int64, from, to time.Time, types []domain.ActivityType) (int, error)

	// --- grants (append-only) ---
	// InsertGrant writes g unless a grant for (rule, child, date) exists.
	// It reports whether the row was written.
	InsertGrant(ctx context.Context, g *domain.Grant) (bool, error)
	GrantExists(ctx context.Context, ruleID, childID int64, date time.Time) (bool, error)
	// ListGrants returns grants newest first.
	ListGrants(ctx context.Context, f GrantFilter) ([]*domain.Grant, error)

	// Savepoint runs fn so that its writes are undone if it fails, without
	// aborting the enclosing unit.
	Savepoint(ctx context.Context, fn func(tx Tx) error) error
}

// PlanFilter narrows ListPlans. Zero fields match everything.
type PlanFilter struct {
	ChildID  int64
	PlanDate *time.Time
	Limit    int
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	ChildID int64
	PlanID  int64
	// From and To bound the plan date, both inclusive.
	From   *time.Time
	To     *time.Time
	Status *domain.TaskStatus
}

// ActivityFilter narrows ListActivity.
type ActivityFilter struct {
	ChildID int64
	Since   *time.Time // created_at >= Since
	Limit   int
	// Ascending returns oldest first, used by audit replay.
	Ascending bool
}

// GrantFilter narrows ListGrants.
type GrantFilter struct {
	ChildID     int64
	GrantedDate *time.Time
	Since       *time.Time // created_at >= Since
	Limit       int
	Ascending   bool
}
