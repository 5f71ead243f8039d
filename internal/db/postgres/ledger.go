package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/store"
)

// ============================================================================
// Rules
// ============================================================================

const ruleSelect = `
	SELECT id, trigger_type, trigger_condition, reward_minutes, description, is_active, created_at
	FROM reward_rules`

func scanRule(row pgx.Row) (*domain.Rule, error) {
	var (
		r   domain.Rule
		raw []byte
	)
	if err := row.Scan(&r.ID, &r.TriggerType, &raw, &r.RewardMinutes, &r.Description, &r.IsActive, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.RawCondition = raw
	return &r, nil
}

func (t *pgTx) CreateRule(ctx context.Context, r *domain.Rule) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO reward_rules (trigger_type, trigger_condition, reward_minutes, description, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, r.TriggerType, []byte(r.RawCondition), r.RewardMinutes, r.Description, r.IsActive, orNow(r.CreatedAt),
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

func (t *pgTx) GetRule(ctx context.Context, id int64) (*domain.Rule, error) {
	r, err := scanRule(t.tx.QueryRow(ctx, ruleSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "rule", id)
	}
	return r, nil
}

func (t *pgTx) ListRules(ctx context.Context, activeOnly bool) ([]*domain.Rule, error) {
	query := ruleSelect
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY id`

	rows, err := t.tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := []*domain.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (t *pgTx) UpdateRule(ctx context.Context, r *domain.Rule) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reward_rules
		SET trigger_type = $2, trigger_condition = $3, reward_minutes = $4, description = $5, is_active = $6
		WHERE id = $1
	`, r.ID, r.TriggerType, []byte(r.RawCondition), r.RewardMinutes, r.Description, r.IsActive)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "rule", r.ID)
	}
	return nil
}

func (t *pgTx) DeleteRule(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM reward_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "rule", id)
	}
	return nil
}

func (t *pgTx) CountRules(ctx context.Context) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM reward_rules`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rules: %w", err)
	}
	return n, nil
}

// ============================================================================
// Wallets
// ============================================================================

const walletSelect = `
	SELECT child_id, balance, daily_limit, carry_over, created_at, updated_at
	FROM activity_wallets`

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	if err := row.Scan(&w.ChildID, &w.Balance, &w.DailyLimit, &w.CarryOver, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func (t *pgTx) EnsureWallet(ctx context.Context, childID int64, dailyLimit int, carryOver bool) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO activity_wallets (child_id, balance, daily_limit, carry_over)
		VALUES ($1, 0, $2, $3)
		ON CONFLICT (child_id) DO NOTHING
	`, childID, dailyLimit, carryOver)
	if err != nil {
		return fmt.Errorf("ensure wallet of child %d: %w", childID, err)
	}
	return nil
}

func (t *pgTx) GetWallet(ctx context.Context, childID int64, forUpdate bool) (*domain.Wallet, error) {
	query := walletSelect + ` WHERE child_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	w, err := scanWallet(t.tx.QueryRow(ctx, query, childID))
	if err != nil {
		return nil, notFound(err, "wallet of child", childID)
	}
	return w, nil
}

func (t *pgTx) ListWallets(ctx context.Context) ([]*domain.Wallet, error) {
	rows, err := t.tx.Query(ctx, walletSelect+` ORDER BY child_id`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*domain.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (t *pgTx) AddToBalance(ctx context.Context, childID int64, delta int) (int, error) {
	var balance int
	err := t.tx.QueryRow(ctx, `
		UPDATE activity_wallets
		SET balance = balance + $2, updated_at = NOW()
		WHERE child_id = $1
		RETURNING balance
	`, childID, delta).Scan(&balance)
	if err != nil {
		return 0, notFound(err, "wallet of child", childID)
	}
	return balance, nil
}

func (t *pgTx) UpdateWalletSettings(ctx context.Context, w *domain.Wallet) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE activity_wallets
		SET daily_limit = $2, carry_over = $3, updated_at = NOW()
		WHERE child_id = $1
		RETURNING updated_at
	`, w.ChildID, w.DailyLimit, w.CarryOver).Scan(&w.UpdatedAt)
	if err != nil {
		return notFound(err, "wallet of child", w.ChildID)
	}
	return nil
}

// ============================================================================
// Activity logs
// ============================================================================

const activitySelect = `
	SELECT id, child_id, activity_type, description, consumed_minutes, source, idempotency_key, created_at
	FROM activity_logs`

func scanActivity(row pgx.Row) (*domain.ActivityLog, error) {
	var l domain.ActivityLog
	err := row.Scan(&l.ID, &l.ChildID, &l.ActivityType, &l.Description, &l.ConsumedMinutes,
		&l.Source, &l.IdempotencyKey, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *pgTx) InsertActivity(ctx context.Context, l *domain.ActivityLog) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO activity_logs (child_id, activity_type, description, consumed_minutes, source, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, l.ChildID, l.ActivityType, l.Description, l.ConsumedMinutes, l.Source, l.IdempotencyKey, orNow(l.CreatedAt),
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity for child %d: %w", l.ChildID, err)
	}
	return nil
}

func (t *pgTx) FindActivityByKey(ctx context.Context, childID int64, key string) (*domain.ActivityLog, error) {
	l, err := scanActivity(t.tx.QueryRow(ctx,
		activitySelect+` WHERE child_id = $1 AND idempotency_key = $2`, childID, key))
	if err != nil {
		return nil, notFound(err, "activity with key", key)
	}
	return l, nil
}

func (t *pgTx) ListActivity(ctx context.Context, f store.ActivityFilter) ([]*domain.ActivityLog, error) {
	query := activitySelect + ` WHERE child_id = $1`
	args := []any{f.ChildID}
	if f.Since != nil {
		args = append(args, *f.Since)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if f.Ascending {
		query += ` ORDER BY created_at, id`
	} else {
		query += ` ORDER BY created_at DESC, id DESC`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	logs := []*domain.ActivityLog{}
	for rows.Next() {
		l, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (t *pgTx) SumConsumed(ctx context.Context, childID int64, from, to time.Time, types []domain.ActivityType) (int, error) {
	names := make([]string, len(types))
	for i, a := range types {
		names[i] = string(a)
	}
	var sum int
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(consumed_minutes), 0)
		FROM activity_logs
		WHERE child_id = $1 AND created_at >= $2 AND created_at < $3
		  AND consumed_minutes > 0 AND activity_type = ANY($4)
	`, childID, from, to, names).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum consumption of child %d: %w", childID, err)
	}
	return sum, nil
}

// ============================================================================
// Grants
// ============================================================================

const grantSelect = `
	SELECT id, rule_id, child_id, granted_date, granted_minutes, description, created_at
	FROM reward_grants`

func scanGrant(row pgx.Row) (*domain.Grant, error) {
	var g domain.Grant
	err := row.Scan(&g.ID, &g.RuleID, &g.ChildID, &g.GrantedDate, &g.GrantedMinutes, &g.Description, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// InsertGrant relies on the (rule_id, child_id, granted_date) unique key:
// a concurrent writer that got there first makes RETURNING yield no row.
func (t *pgTx) InsertGrant(ctx context.Context, g *domain.Grant) (bool, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO reward_grants (rule_id, child_id, granted_date, granted_minutes, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (rule_id, child_id, granted_date) DO NOTHING
		RETURNING id, created_at
	`, g.RuleID, g.ChildID, g.GrantedDate, g.GrantedMinutes, g.Description, orNow(g.CreatedAt),
	).Scan(&g.ID, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert grant of rule %d for child %d: %w", g.RuleID, g.ChildID, err)
	}
	return true, nil
}

func (t *pgTx) GrantExists(ctx context.Context, ruleID, childID int64, date time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM reward_grants WHERE rule_id = $1 AND child_id = $2 AND granted_date = $3)
	`, ruleID, childID, date).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check grant: %w", err)
	}
	return exists, nil
}

func (t *pgTx) ListGrants(ctx context.Context, f store.GrantFilter) ([]*domain.Grant, error) {
	query := grantSelect + ` WHERE child_id = $1`
	args := []any{f.ChildID}
	if f.GrantedDate != nil {
		args = append(args, *f.GrantedDate)
		query += fmt.Sprintf(` AND granted_date = $%d`, len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if f.Ascending {
		query += ` ORDER BY created_at, id`
	} else {
		query += ` ORDER BY created_at DESC, id DESC`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	grants := []*domain.Grant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
