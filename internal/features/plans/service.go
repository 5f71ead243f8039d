// Package plans authors daily learning plans. A plan owns its tasks:
// deleting it removes them in the same transaction.
package plans

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/features/tasks"
	"serotonyl.ru/s2a/internal/store"
)

const (
	maxTitleLen     = 100
	maxTasksPerPlan = 50
	listLimit       = 100
)

// Service manages plans.
type Service struct {
	store store.Store
	clock common.Clock
}

func NewService(st store.Store, clock common.Clock) *Service {
	return &Service{store: st, clock: clock}
}

// Create stores a plan with its tasks. The child must exist and have the
// child role.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Plan, error) {
	if in.ChildID <= 0 {
		return nil, fmt.Errorf("child_id is required: %w", common.ErrValidation)
	}
	day := s.clock.Today()
	if in.PlanDate != "" {
		d, err := common.ParseDate(in.PlanDate)
		if err != nil {
			return nil, fmt.Errorf("invalid plan_date %q: %w", in.PlanDate, common.ErrValidation)
		}
		day = d
	}
	title := strings.TrimSpace(in.Title)
	if len([]rune(title)) > maxTitleLen {
		return nil, fmt.Errorf("title longer than %d characters: %w", maxTitleLen, common.ErrValidation)
	}
	if len(in.Tasks) > maxTasksPerPlan {
		return nil, fmt.Errorf("a plan holds at most %d tasks: %w", maxTasksPerPlan, common.ErrValidation)
	}

	now := s.clock.Now()
	plan := &domain.Plan{
		ChildID:   in.ChildID,
		PlanDate:  day,
		Title:     title,
		Tasks:     make([]*domain.Task, 0, len(in.Tasks)),
		CreatedAt: now,
	}
	for i, ti := range in.Tasks {
		task, err := buildTask(ti, now)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		plan.Tasks = append(plan.Tasks, task)
	}

	err := s.store.Update(ctx, func(tx store.Tx) error {
		if err := requireChild(ctx, tx, in.ChildID); err != nil {
			return err
		}
		return tx.CreatePlan(ctx, plan)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"plan_id":  plan.ID,
		"child_id": plan.ChildID,
		"date":     common.FormatDate(plan.PlanDate),
		"tasks":    len(plan.Tasks),
	}).Info("Plan created")
	return plan, nil
}

// List returns plans with their tasks, newest date first.
func (s *Service) List(ctx context.Context, childID int64, day *time.Time) ([]*domain.Plan, error) {
	var plans []*domain.Plan
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		plans, err = tx.ListPlans(ctx, store.PlanFilter{ChildID: childID, PlanDate: day, Limit: listLimit})
		return err
	})
	if plans == nil && err == nil {
		plans = []*domain.Plan{}
	}
	return plans, err
}

func (s *Service) Get(ctx context.Context, id int64) (*domain.Plan, error) {
	var plan *domain.Plan
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		plan, err = tx.GetPlan(ctx, id)
		return err
	})
	return plan, err
}

// AddTask appends a pending task to a plan and returns the updated plan.
func (s *Service) AddTask(ctx context.Context, planID int64, in TaskInput) (*domain.Plan, error) {
	task, err := buildTask(in, s.clock.Now())
	if err != nil {
		return nil, err
	}

	var plan *domain.Plan
	err = s.store.Update(ctx, func(tx store.Tx) error {
		var err error
		if plan, err = tx.GetPlan(ctx, planID); err != nil {
			return err
		}
		if len(plan.Tasks) >= maxTasksPerPlan {
			return fmt.Errorf("plan %d already holds %d tasks: %w", planID, maxTasksPerPlan, common.ErrValidation)
		}
		task.PlanID = plan.ID
		task.ChildID = plan.ChildID
		task.PlanDate = plan.PlanDate
		if err := tx.AddTask(ctx, task); err != nil {
			return err
		}
		plan.Tasks = append(plan.Tasks, task)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"plan_id": planID, "task_id": task.ID}).Info("Task added to plan")
	return plan, nil
}

// Delete removes a plan and every task it owns. Grants and activity
// already written are kept.
func (s *Service) Delete(ctx context.Context, id int64) error {
	err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.DeletePlan(ctx, id)
	})
	if err != nil {
		return err
	}
	log.WithField("plan_id", id).Info("Plan deleted")
	return nil
}

func buildTask(in TaskInput, now time.Time) (*domain.Task, error) {
	subject, err := tasks.ValidateSubject(in.Subject)
	if err != nil {
		return nil, err
	}
	estimate := in.EstimatedMinutes
	if estimate == 0 {
		estimate = DefaultEstimate
	}
	if estimate < 0 {
		return nil, fmt.Errorf("estimated minutes must be > 0, got %d: %w", estimate, common.ErrValidation)
	}
	return &domain.Task{
		Subject:          subject,
		Description:      strings.TrimSpace(in.Description),
		EstimatedMinutes: estimate,
		IsHomework:       in.IsHomework,
		Status:           domain.StatusPending,
		CreatedAt:        now,
	}, nil
}

func requireChild(ctx context.Context, tx store.Tx, childID int64) error {
	u, err := tx.GetUser(ctx, childID)
	if err != nil {
		return err
	}
	if u.Role != domain.RoleChild {
		return fmt.Errorf("user %d is not a child: %w", childID, common.ErrValidation)
	}
	return nil
}
