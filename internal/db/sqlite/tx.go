package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/store"
)

// sqliteTx implements store.Tx on a database/sql transaction.
// Result sets are always drained and closed before the next statement.
type sqliteTx struct {
	tx    *sql.Tx
	depth int // savepoint nesting, used to name savepoints
}

var _ store.Tx = (*sqliteTx)(nil)

func (t *sqliteTx) Savepoint(ctx context.Context, fn func(tx store.Tx) error) error {
	name := fmt.Sprintf("sp_%d", t.depth+1)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(&sqliteTx{tx: t.tx, depth: t.depth + 1}); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("rollback to savepoint: %v (after %w)", rbErr, err)
		}
		// ROLLBACK TO keeps the savepoint open.
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return fmt.Errorf("release savepoint: %v (after %w)", relErr, err)
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// ============================================================================
// Users
// ============================================================================

func (t *sqliteTx) CreateUser(ctx context.Context, u *domain.User) error {
	createdAt := toMillis(u.CreatedAt)
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO users (name, role, pin_hash, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`, u.Name, string(u.Role), u.PinHash, createdAt).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	u.HasPin = u.PinHash != ""
	return nil
}

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var (
		u         domain.User
		createdAt int64
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.PinHash, &createdAt); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(createdAt)
	u.HasPin = u.PinHash != ""
	return &u, nil
}

func (t *sqliteTx) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	u, err := scanUser(t.tx.QueryRowContext(ctx,
		`SELECT id, name, role, pin_hash, created_at FROM users WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return u, nil
}

func (t *sqliteTx) ListUsers(ctx context.Context, role *domain.Role) ([]*domain.User, error) {
	query := `SELECT id, name, role, pin_hash, created_at FROM users`
	args := []any{}
	if role != nil {
		query += ` WHERE role = ?`
		args = append(args, string(*role))
	}
	query += ` ORDER BY id`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ============================================================================
// Plans
// ============================================================================

func (t *sqliteTx) CreatePlan(ctx context.Context, p *domain.Plan) error {
	createdAt := toMillis(p.CreatedAt)
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO study_plans (child_id, plan_date, title, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`, p.ChildID, toDate(p.PlanDate), p.Title, createdAt).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	p.CreatedAt = fromMillis(createdAt)

	for _, task := range p.Tasks {
		task.PlanID = p.ID
		task.ChildID = p.ChildID
		task.PlanDate = p.PlanDate
		if err := t.AddTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func scanPlan(row interface{ Scan(...any) error }) (*domain.Plan, error) {
	var (
		p         domain.Plan
		planDate  string
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.ChildID, &planDate, &p.Title, &createdAt); err != nil {
		return nil, err
	}
	d, err := fromDate(planDate)
	if err != nil {
		return nil, err
	}
	p.PlanDate = d
	p.CreatedAt = fromMillis(createdAt)
	p.Tasks = []*domain.Task{}
	return &p, nil
}

func (t *sqliteTx) GetPlan(ctx context.Context, id int64) (*domain.Plan, error) {
	p, err := scanPlan(t.tx.QueryRowContext(ctx,
		`SELECT id, child_id, plan_date, title, created_at FROM study_plans WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "plan", id)
	}
	p.Tasks, err = t.ListTasks(ctx, store.TaskFilter{PlanID: p.ID})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (t *sqliteTx) ListPlans(ctx context.Context, f store.PlanFilter) ([]*domain.Plan, error) {
	query := `SELECT id, child_id, plan_date, title, created_at FROM study_plans WHERE 1 = 1`
	args := []any{}
	if f.ChildID != 0 {
		query += ` AND child_id = ?`
		args = append(args, f.ChildID)
	}
	if f.PlanDate != nil {
		query += ` AND plan_date = ?`
		args = append(args, toDate(*f.PlanDate))
	}
	query += ` ORDER BY plan_date DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	var (
		plans []*domain.Plan
		ids   []any
		byID  = map[int64]*domain.Plan{}
	)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, p)
		ids = append(ids, p.ID)
		byID[p.ID] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	if len(ids) == 0 {
		return plans, nil
	}

	tasks, err := t.queryTasks(ctx,
		taskSelect+` WHERE t.plan_id IN (`+placeholders(len(ids))+`) ORDER BY t.id`, ids...)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if p, ok := byID[task.PlanID]; ok {
			p.Tasks = append(p.Tasks, task)
		}
	}
	return plans, nil
}

// DeletePlan removes the plan's tasks, then the plan.
func (t *sqliteTx) DeletePlan(ctx context.Context, id int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM study_tasks WHERE plan_id = ?`, id); err != nil {
		return fmt.Errorf("delete tasks of plan %d: %w", id, err)
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM study_plans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete plan %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "plan", id)
	}
	return nil
}

// ============================================================================
// Tasks
// ============================================================================

const taskSelect = `
	SELECT t.id, t.plan_id, p.child_id, p.plan_date, t.subject, t.description,
	       t.estimated_minutes, t.actual_minutes, t.is_homework, t.status,
	       t.started_at, t.completed_at, t.approved_at, t.approved_by, t.created_at
	FROM study_tasks t
	JOIN study_plans p ON p.id = t.plan_id`

func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	var (
		task                               domain.Task
		planDate                           string
		actual, approvedBy                 sql.NullInt64
		startedAt, completedAt, approvedAt sql.NullInt64
		createdAt                          int64
	)
	err := row.Scan(
		&task.ID, &task.PlanID, &task.ChildID, &planDate, &task.Subject, &task.Description,
		&task.EstimatedMinutes, &actual, &task.IsHomework, &task.Status,
		&startedAt, &completedAt, &approvedAt, &approvedBy, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if task.PlanDate, err = fromDate(planDate); err != nil {
		return nil, err
	}
	if actual.Valid {
		v := int(actual.Int64)
		task.ActualMinutes = &v
	}
	if approvedBy.Valid {
		v := approvedBy.Int64
		task.ApprovedBy = &v
	}
	task.StartedAt = fromNullMillis(startedAt)
	task.CompletedAt = fromNullMillis(completedAt)
	task.ApprovedAt = fromNullMillis(approvedAt)
	task.CreatedAt = fromMillis(createdAt)
	return &task, nil
}

func (t *sqliteTx) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (t *sqliteTx) AddTask(ctx context.Context, task *domain.Task) error {
	if task.Status == "" {
		task.Status = domain.StatusPending
	}
	createdAt := toMillis(task.CreatedAt)
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO study_tasks (plan_id, subject, description, estimated_minutes, is_homework, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, task.PlanID, task.Subject, task.Description, task.EstimatedMinutes, task.IsHomework,
		string(task.Status), createdAt,
	).Scan(&task.ID)
	if err != nil {
		return fmt.Errorf("add task to plan %d: %w", task.PlanID, err)
	}
	task.CreatedAt = fromMillis(createdAt)
	return nil
}

// GetTask ignores forUpdate: the single connection already serializes writers.
func (t *sqliteTx) GetTask(ctx context.Context, id int64, forUpdate bool) (*domain.Task, error) {
	task, err := scanTask(t.tx.QueryRowContext(ctx, taskSelect+` WHERE t.id = ?`, id))
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	return task, nil
}

func (t *sqliteTx) UpdateTask(ctx context.Context, task *domain.Task) error {
	var actual, approvedBy any
	if task.ActualMinutes != nil {
		actual = *task.ActualMinutes
	}
	if task.ApprovedBy != nil {
		approvedBy = *task.ApprovedBy
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE study_tasks
		SET subject = ?, description = ?, estimated_minutes = ?, actual_minutes = ?,
		    is_homework = ?, status = ?, started_at = ?, completed_at = ?,
		    approved_at = ?, approved_by = ?
		WHERE id = ?
	`, task.Subject, task.Description, task.EstimatedMinutes, actual,
		task.IsHomework, string(task.Status), nullMillis(task.StartedAt), nullMillis(task.CompletedAt),
		nullMillis(task.ApprovedAt), approvedBy, task.ID)
	if err != nil {
		return fmt.Errorf("update task %d: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "task", task.ID)
	}
	return nil
}

func (t *sqliteTx) ListTasks(ctx context.Context, f store.TaskFilter) ([]*domain.Task, error) {
	query := taskSelect + ` WHERE 1 = 1`
	args := []any{}
	if f.ChildID != 0 {
		query += ` AND p.child_id = ?`
		args = append(args, f.ChildID)
	}
	if f.PlanID != 0 {
		query += ` AND t.plan_id = ?`
		args = append(args, f.PlanID)
	}
	if f.From != nil {
		query += ` AND p.plan_date >= ?`
		args = append(args, toDate(*f.From))
	}
	if f.To != nil {
		query += ` AND p.plan_date <= ?`
		args = append(args, toDate(*f.To))
	}
	if f.Status != nil {
		query += ` AND t.status = ?`
		args = append(args, string(*f.Status))
	}
	query += ` ORDER BY p.plan_date, t.id`
	return t.queryTasks(ctx, query, args...)
}
