package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/store"
)

// pgTx implements store.Tx on a pgx transaction (or savepoint).
type pgTx struct {
	tx pgx.Tx
}

var _ store.Tx = (*pgTx)(nil)

// Savepoint uses a pgx nested transaction, which is a SAVEPOINT.
func (t *pgTx) Savepoint(ctx context.Context, fn func(tx store.Tx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(&pgTx{tx: sp}); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback to savepoint: %v (after %w)", rbErr, err)
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// ============================================================================
// Users
// ============================================================================

func (t *pgTx) CreateUser(ctx context.Context, u *domain.User) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO users (name, role, pin_hash, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, u.Name, u.Role, u.PinHash, orNow(u.CreatedAt)).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	u.HasPin = u.PinHash != ""
	return nil
}

func (t *pgTx) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, role, pin_hash, created_at FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Name, &u.Role, &u.PinHash, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	u.HasPin = u.PinHash != ""
	return &u, nil
}

func (t *pgTx) ListUsers(ctx context.Context, role *domain.Role) ([]*domain.User, error) {
	query := `SELECT id, name, role, pin_hash, created_at FROM users`
	args := []any{}
	if role != nil {
		query += ` WHERE role = $1`
		args = append(args, *role)
	}
	query += ` ORDER BY id`

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.PinHash, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.HasPin = u.PinHash != ""
		users = append(users, &u)
	}
	return users, rows.Err()
}

// ============================================================================
// Plans
// ============================================================================

func (t *pgTx) CreatePlan(ctx context.Context, p *domain.Plan) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO study_plans (child_id, plan_date, title, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, p.ChildID, p.PlanDate, p.Title, orNow(p.CreatedAt)).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}

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

func (t *pgTx) GetPlan(ctx context.Context, id int64) (*domain.Plan, error) {
	var p domain.Plan
	err := t.tx.QueryRow(ctx, `
		SELECT id, child_id, plan_date, title, created_at FROM study_plans WHERE id = $1
	`, id).Scan(&p.ID, &p.ChildID, &p.PlanDate, &p.Title, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "plan", id)
	}

	p.Tasks, err = t.ListTasks(ctx, store.TaskFilter{PlanID: p.ID})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) ListPlans(ctx context.Context, f store.PlanFilter) ([]*domain.Plan, error) {
	query := `SELECT id, child_id, plan_date, title, created_at FROM study_plans WHERE TRUE`
	args := []any{}
	if f.ChildID != 0 {
		args = append(args, f.ChildID)
		query += fmt.Sprintf(` AND child_id = $%d`, len(args))
	}
	if f.PlanDate != nil {
		args = append(args, *f.PlanDate)
		query += fmt.Sprintf(` AND plan_date = $%d`, len(args))
	}
	query += ` ORDER BY plan_date DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	var (
		plans []*domain.Plan
		ids   []int64
		byID  = map[int64]*domain.Plan{}
	)
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.ChildID, &p.PlanDate, &p.Title, &p.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		p.Tasks = []*domain.Task{}
		plans = append(plans, &p)
		ids = append(ids, p.ID)
		byID[p.ID] = &p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	if len(ids) == 0 {
		return plans, nil
	}

	tasks, err := t.queryTasks(ctx, taskSelect+` WHERE t.plan_id = ANY($1) ORDER BY t.id`, ids)
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
func (t *pgTx) DeletePlan(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM study_tasks WHERE plan_id = $1`, id); err != nil {
		return fmt.Errorf("delete tasks of plan %d: %w", id, err)
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM study_plans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete plan %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "plan", id)
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

func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	err := row.Scan(
		&task.ID, &task.PlanID, &task.ChildID, &task.PlanDate, &task.Subject, &task.Description,
		&task.EstimatedMinutes, &task.ActualMinutes, &task.IsHomework, &task.Status,
		&task.StartedAt, &task.CompletedAt, &task.ApprovedAt, &task.ApprovedBy, &task.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (t *pgTx) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := t.tx.Query(ctx, query, args...)
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

func (t *pgTx) AddTask(ctx context.Context, task *domain.Task) error {
	if task.Status == "" {
		task.Status = domain.StatusPending
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO study_tasks (plan_id, subject, description, estimated_minutes, is_homework, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, task.PlanID, task.Subject, task.Description, task.EstimatedMinutes, task.IsHomework,
		task.Status, orNow(task.CreatedAt),
	).Scan(&task.ID, &task.CreatedAt)
	if err != nil {
		return fmt.Errorf("add task to plan %d: %w", task.PlanID, err)
	}
	return nil
}

func (t *pgTx) GetTask(ctx context.Context, id int64, forUpdate bool) (*domain.Task, error) {
	query := taskSelect + ` WHERE t.id = $1`
	if forUpdate {
		query += ` FOR UPDATE OF t`
	}
	task, err := scanTask(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	return task, nil
}

func (t *pgTx) UpdateTask(ctx context.Context, task *domain.Task) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE study_tasks
		SET subject = $2, description = $3, estimated_minutes = $4, actual_minutes = $5,
		    is_homework = $6, status = $7, started_at = $8, completed_at = $9,
		    approved_at = $10, approved_by = $11
		WHERE id = $1
	`, task.ID, task.Subject, task.Description, task.EstimatedMinutes, task.ActualMinutes,
		task.IsHomework, task.Status, task.StartedAt, task.CompletedAt,
		task.ApprovedAt, task.ApprovedBy)
	if err != nil {
		return fmt.Errorf("update task %d: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "task", task.ID)
	}
	return nil
}

func (t *pgTx) ListTasks(ctx context.Context, f store.TaskFilter) ([]*domain.Task, error) {
	query := taskSelect + ` WHERE TRUE`
	args := []any{}
	if f.ChildID != 0 {
		args = append(args, f.ChildID)
		query += fmt.Sprintf(` AND p.child_id = $%d`, len(args))
	}
	if f.PlanID != 0 {
		args = append(args, f.PlanID)
		query += fmt.Sprintf(` AND t.plan_id = $%d`, len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		query += fmt.Sprintf(` AND p.plan_date >= $%d`, len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		query += fmt.Sprintf(` AND p.plan_date <= $%d`, len(args))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		query += fmt.Sprintf(` AND t.status = $%d`, len(args))
	}
	query += ` ORDER BY p.plan_date, t.id`
	return t.queryTasks(ctx, query, args...)
}
