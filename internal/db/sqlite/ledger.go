package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/store"
)

// ============================================================================
// Rules
// ============================================================================

const ruleSelect = `
	SELECT id, trigger_type, trigger_condition, reward_minutes, description, is_active, created_at
	FROM reward_rules`

func scanRule(row interface{ Scan(...any) error }) (*domain.Rule, error) {
	var (
		r         domain.Rule
		raw       sql.NullString
		createdAt int64
	)
	if err := row.Scan(&r.ID, &r.TriggerType, &raw, &r.RewardMinutes, &r.Description, &r.IsActive, &createdAt); err != nil {
		return nil, err
	}
	if raw.Valid {
		r.RawCondition = []byte(raw.String)
	}
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (t *sqliteTx) CreateRule(ctx context.Context, r *domain.Rule) error {
	createdAt := toMillis(r.CreatedAt)
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO reward_rules (trigger_type, trigger_condition, reward_minutes, description, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`, string(r.TriggerType), nullJSON(r.RawCondition), r.RewardMinutes, r.Description, r.IsActive, createdAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	r.CreatedAt = fromMillis(createdAt)
	return nil
}

func (t *sqliteTx) GetRule(ctx context.Context, id int64) (*domain.Rule, error) {
	r, err := scanRule(t.tx.QueryRowContext(ctx, ruleSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "rule", id)
	}
	return r, nil
}

func (t *sqliteTx) ListRules(ctx context.Context, activeOnly bool) ([]*domain.Rule, error) {
	query := ruleSelect
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`

	rows, err := t.tx.QueryContext(ctx, query)
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

func (t *sqliteTx) UpdateRule(ctx context.Context, r *domain.Rule) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE reward_rules
		SET trigger_type = ?, trigger_condition = ?, reward_minutes = ?, description = ?, is_active = ?
		WHERE id = ?
	`, string(r.TriggerType), nullJSON(r.RawCondition), r.RewardMinutes, r.Description, r.IsActive, r.ID)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "rule", r.ID)
	}
	return nil
}

func (t *sqliteTx) DeleteRule(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM reward_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "rule", id)
	}
	return nil
}

func (t *sqliteTx) CountRules(ctx context.Context) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reward_rules`).Scan(&n); err != nil {
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

func scanWallet(row interface{ Scan(...any) error }) (*domain.Wallet, error) {
	var (
		w                    domain.Wallet
		createdAt, updatedAt int64
	)
	if err := row.Scan(&w.ChildID, &w.Balance, &w.DailyLimit, &w.CarryOver, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.CreatedAt = fromMillis(createdAt)
	w.UpdatedAt = fromMillis(updatedAt)
	return &w, nil
}

func (t *sqliteTx) EnsureWallet(ctx context.Context, childID int64, dailyLimit int, carryOver bool) error {
	now := time.Now().UnixMilli()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO activity_wallets (child_id, balance, daily_limit, carry_over, created_at, updated_at)
		VALUES (?, 0, ?, ?, ?, ?)
		ON CONFLICT (child_id) DO NOTHING
	`, childID, dailyLimit, carryOver, now, now)
	if err != nil {
		return fmt.Errorf("ensure wallet of child %d: %w", childID, err)
	}
	return nil
}

// GetWallet ignores forUpdate: the single connection already serializes writers.
func (t *sqliteTx) GetWallet(ctx context.Context, childID int64, forUpdate bool) (*domain.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRowContext(ctx, walletSelect+` WHERE child_id = ?`, childID))
	if err != nil {
		return nil, notFound(err, "wallet of child", childID)
	}
	return w, nil
}

func (t *sqliteTx) ListWallets(ctx context.Context) ([]*domain.Wallet, error) {
	rows, err := t.tx.QueryContext(ctx, walletSelect+` ORDER BY child_id`)
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

func (t *sqliteTx) AddToBalance(ctx context.Context, childID int64, delta int) (int, error) {
	var balance int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE activity_wallets
		SET balance = balance + ?, updated_at = ?
		WHERE child_id = ?
		RETURNING balance
	`, delta, time.Now().UnixMilli(), childID).Scan(&balance)
	if err != nil {
		return 0, notFound(err, "wallet of child", childID)
	}
	return balance, nil
}

func (t *sqliteTx) UpdateWalletSettings(ctx context.Context, w *domain.Wallet) error {
	now := time.Now().UnixMilli()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE activity_wallets
		SET daily_limit = ?, carry_over = ?, updated_at = ?
		WHERE child_id = ?
	`, w.DailyLimit, w.CarryOver, now, w.ChildID)
	if err != nil {
		return fmt.Errorf("update wallet of child %d: %w", w.ChildID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "wallet of child", w.ChildID)
	}
	w.UpdatedAt = fromMillis(now)
	return nil
}

// ============================================================================
// Activity logs
// ============================================================================

const activitySelect = `
	SELECT id, child_id, activity_type, description, consumed_minutes, source, idempotency_key, created_at
	FROM activity_logs`

func scanActivity(row interface{ Scan(...any) error }) (*domain.ActivityLog, error) {
	var (
		l         domain.ActivityLog
		createdAt int64
	)
	err := row.Scan(&l.ID, &l.ChildID, &l.ActivityType, &l.Description, &l.ConsumedMinutes,
		&l.Source, &l.IdempotencyKey, &createdAt)
	if err != nil {
		return nil, err
	}
	l.CreatedAt = fromMillis(createdAt)
	return &l, nil
}

func (t *sqliteTx) InsertActivity(ctx context.Context, l *domain.ActivityLog) error {
	createdAt := toMillis(l.CreatedAt)
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO activity_logs (child_id, activity_type, description, consumed_minutes, source, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, l.ChildID, string(l.ActivityType), l.Description, l.ConsumedMinutes, string(l.Source), l.IdempotencyKey, createdAt,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert activity for child %d: %w", l.ChildID, err)
	}
	l.CreatedAt = fromMillis(createdAt)
	return nil
}

func (t *sqliteTx) FindActivityByKey(ctx context.Context, childID int64, key string) (*domain.ActivityLog, error) {
	l, err := scanActivity(t.tx.QueryRowContext(ctx,
		activitySelect+` WHERE child_id = ? AND idempotency_key = ?`, childID, key))
	if err != nil {
		return nil, notFound(err, "activity with key", key)
	}
	return l, nil
}

func (t *sqliteTx) ListActivity(ctx context.Context, f store.ActivityFilter) ([]*domain.ActivityLog, error) {
	query := activitySelect + ` WHERE child_id = ?`
	args := []any{f.ChildID}
	if f.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, toMillis(*f.Since))
	}
	if f.Ascending {
		query += ` ORDER BY created_at, id`
	} else {
		query += ` ORDER BY created_at DESC, id DESC`
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
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

func (t *sqliteTx) SumConsumed(ctx context.Context, childID int64, from, to time.Time, types []domain.ActivityType) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}
	args := []any{childID, from.UnixMilli(), to.UnixMilli()}
	for _, a := range types {
		args = append(args, string(a))
	}
	var sum int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(consumed_minutes), 0)
		FROM activity_logs
		WHERE child_id = ? AND created_at >= ? AND created_at < ?
		  AND consumed_minutes > 0 AND activity_type IN (`+placeholders(len(types))+`)
	`, args...).Scan(&sum)
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

func scanGrant(row interface{ Scan(...any) error }) (*domain.Grant, error) {
	var (
		g           domain.Grant
		grantedDate string
		createdAt   int64
	)
	err := row.Scan(&g.ID, &g.RuleID, &g.ChildID, &grantedDate, &g.GrantedMinutes, &g.Description, &createdAt)
	if err != nil {
		return nil, err
	}
	if g.GrantedDate, err = fromDate(grantedDate); err != nil {
		return nil, err
	}
	g.CreatedAt = fromMillis(createdAt)
	return &g, nil
}

// InsertGrant relies on the (rule_id, child_id, granted_date) unique key:
// when the row exists RETURNING yields nothing.
func (t *sqliteTx) InsertGrant(ctx context.Context, g *domain.Grant) (bool, error) {
	createdAt := toMillis(g.CreatedAt)
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO reward_grants (rule_id, child_id, granted_date, granted_minutes, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_id, child_id, granted_date) DO NOTHING
		RETURNING id
	`, g.RuleID, g.ChildID, toDate(g.GrantedDate), g.GrantedMinutes, g.Description, createdAt,
	).Scan(&g.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert grant of rule %d for child %d: %w", g.RuleID, g.ChildID, err)
	}
	g.CreatedAt = fromMillis(createdAt)
	return true, nil
}

func (t *sqliteTx) GrantExists(ctx context.Context, ruleID, childID int64, date time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM reward_grants WHERE rule_id = ? AND child_id = ? AND granted_date = ?)
	`, ruleID, childID, toDate(date)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check grant: %w", err)
	}
	return exists, nil
}

func (t *sqliteTx) ListGrants(ctx context.Context, f store.GrantFilter) ([]*domain.Grant, error) {
	query := grantSelect + ` WHERE child_id = ?`
	args := []any{f.ChildID}
	if f.GrantedDate != nil {
		query += ` AND granted_date = ?`
		args = append(args, toDate(*f.GrantedDate))
	}
	if f.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, toMillis(*f.Since))
	}
	if f.Ascending {
		query += ` ORDER BY created_at, id`
	} else {
		query += ` ORDER BY created_at DESC, id DESC`
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
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
