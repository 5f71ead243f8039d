// Package tasks is the task lifecycle: the start, complete, approve and
// reject transitions. Approval runs the reward engine in the same unit of
// work, so a reader never sees an approved task without its grants.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/features/rewards"
	"serotonyl.ru/s2a/internal/metrics"
	"serotonyl.ru/s2a/internal/store"
)

const maxSubjectLen = 100

// Service runs task transitions.
type Service struct {
	store      store.Store
	clock      common.Clock
	locks      *common.ChildLocks
	engine     *rewards.Engine
	maxRetries uint
	notifier   Notifier
}

func NewService(st store.Store, clock common.Clock, locks *common.ChildLocks, engine *rewards.Engine, maxRetries uint) *Service {
	return &Service{
		store:      st,
		clock:      clock,
		locks:      locks,
		engine:     engine,
		maxRetries: maxRetries,
	}
}

// SetNotifier installs n. Call it before the service starts serving.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// ============================================================================
// Reads
// ============================================================================

func (s *Service) Get(ctx context.Context, id int64) (*domain.Task, error) {
	var task *domain.Task
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, id, false)
		return err
	})
	return task, err
}

// List returns tasks ordered by plan date, then id.
func (s *Service) List(ctx context.Context, in ListInput) ([]*domain.Task, error) {
	if in.Status != nil && !in.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", *in.Status, common.ErrValidation)
	}
	var tasks []*domain.Task
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		tasks, err = tx.ListTasks(ctx, store.TaskFilter{
			ChildID: in.ChildID,
			From:    in.Date,
			To:      in.Date,
			Status:  in.Status,
		})
		return err
	})
	return tasks, err
}

// Pending returns completed tasks waiting for a parent, across children.
func (s *Service) Pending(ctx context.Context) ([]*domain.Task, error) {
	completed := domain.StatusCompleted
	return s.List(ctx, ListInput{Status: &completed})
}

// ============================================================================
// Transitions
// ============================================================================

// Start moves a pending or rejected task to in_progress.
func (s *Service) Start(ctx context.Context, id int64) (*domain.Task, error) {
	return s.transition(ctx, id, domain.ActionStart, func(t *domain.Task, now time.Time) error {
		return t.Start(now)
	})
}

// Complete moves an in_progress task to completed, recording actual
// minutes when given.
func (s *Service) Complete(ctx context.Context, id int64, actual *int) (*domain.Task, error) {
	task, err := s.transition(ctx, id, domain.ActionComplete, func(t *domain.Task, now time.Time) error {
		return t.Complete(now, actual)
	})
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.TaskCompleted(ctx, task)
	}
	return task, nil
}

// Reject sends a completed task back to the child. No rewards are touched.
func (s *Service) Reject(ctx context.Context, id int64) (*domain.Task, error) {
	return s.transition(ctx, id, domain.ActionReject, func(t *domain.Task, _ time.Time) error {
		return t.Reject()
	})
}

// transition applies fn to task id under the child's lock and a row lock.
func (s *Service) transition(ctx context.Context, id int64, action string, fn func(t *domain.Task, now time.Time) error) (*domain.Task, error) {
	childID, err := s.childOf(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(childID)
	defer unlock()

	task, err := common.RetryOnConflict(ctx, s.maxRetries, metrics.OnConflictRetry, func() (*domain.Task, error) {
		var task *domain.Task
		err := s.store.Update(ctx, func(tx store.Tx) error {
			var err error
			task, err = tx.GetTask(ctx, id, true)
			if err != nil {
				return err
			}
			if err := fn(task, s.clock.Now()); err != nil {
				return err
			}
			return tx.UpdateTask(ctx, task)
		})
		return task, err
	})
	if err != nil {
		return nil, err
	}

	metrics.TaskTransitions.WithLabelValues(action).Inc()
	log.WithFields(log.Fields{
		"task_id":  id,
		"child_id": childID,
		"action":   action,
		"status":   task.Status,
	}).Info("Task transition")
	return task, nil
}

// Approve moves a completed task to approved and evaluates reward rules
// for the child on today's date, all in one unit of work. approverID must
// be a parent. Concurrent approvals of the same task yield one approval
// and one set of grants; the loser gets ErrInvalidState.
//
// The notifier runs after the child's lock is released.
func (s *Service) Approve(ctx context.Context, id, approverID int64) (*ApproveResult, error) {
	childID, err := s.childOf(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.approve(ctx, childID, id, approverID)
	if err != nil {
		return nil, err
	}

	metrics.TaskTransitions.WithLabelValues(domain.ActionApprove).Inc()
	total := 0
	for _, g := range res.Grants {
		metrics.RewardGrants.WithLabelValues(string(g.TriggerType)).Inc()
		metrics.GrantedMinutes.Add(float64(g.GrantedMinutes))
		total += g.GrantedMinutes
	}
	log.WithFields(log.Fields{
		"task_id":     id,
		"child_id":    childID,
		"approver_id": approverID,
		"grants":      len(res.Grants),
		"minutes":     total,
	}).Info("Task approved")

	if s.notifier != nil && len(res.Grants) > 0 {
		s.notifier.RewardsGranted(ctx, res.Task, res.Grants)
	}
	return res, nil
}

// approve is the locked part of Approve.
func (s *Service) approve(ctx context.Context, childID, id, approverID int64) (*ApproveResult, error) {
	unlock := s.locks.Lock(childID)
	defer unlock()

	return common.RetryOnConflict(ctx, s.maxRetries, metrics.OnConflictRetry, func() (*ApproveResult, error) {
		var res *ApproveResult
		err := s.store.Update(ctx, func(tx store.Tx) error {
			if err := checkApprover(ctx, tx, approverID); err != nil {
				return err
			}

			// Lock order: task row, then wallet row.
			task, err := tx.GetTask(ctx, id, true)
			if err != nil {
				return err
			}
			if err := task.Approve(s.clock.Now(), approverID); err != nil {
				return err
			}
			if err := tx.UpdateTask(ctx, task); err != nil {
				return err
			}
			// Children added outside the family service have no wallet yet.
			if err := s.engine.LockWallet(ctx, tx, task.ChildID); err != nil {
				return err
			}

			grants, err := s.engine.Evaluate(ctx, tx, task.ChildID, s.clock.Today(), task)
			if err != nil {
				return err
			}
			if grants == nil {
				grants = []*domain.Grant{}
			}
			res = &ApproveResult{Task: task, Grants: grants}
			return nil
		})
		return res, err
	})
}

func checkApprover(ctx context.Context, tx store.Tx, approverID int64) error {
	u, err := tx.GetUser(ctx, approverID)
	if errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("approver %d is not a registered user: %w", approverID, common.ErrForbidden)
	}
	if err != nil {
		return err
	}
	if u.Role != domain.RoleParent {
		return fmt.Errorf("user %d is not a parent and cannot approve: %w", approverID, common.ErrForbidden)
	}
	return nil
}

// childOf resolves the owning child of a task, which selects the lock.
func (s *Service) childOf(ctx context.Context, id int64) (int64, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return task.ChildID, nil
}

// ============================================================================
// Details
// ============================================================================

// UpdateDetails edits subject, description, estimate or homework flag.
// Approved tasks are frozen because their minutes already fed rewards.
func (s *Service) UpdateDetails(ctx context.Context, id int64, in DetailsInput) (*domain.Task, error) {
	var task *domain.Task
	err := s.store.Update(ctx, func(tx store.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, id, true)
		if err != nil {
			return err
		}
		if task.Status == domain.StatusApproved {
			return fmt.Errorf("task %d is approved and can no longer be edited: %w", id, common.ErrInvalidState)
		}

		if in.Subject != nil {
			if task.Subject, err = ValidateSubject(*in.Subject); err != nil {
				return err
			}
		}
		if in.Description != nil {
			task.Description = strings.TrimSpace(*in.Description)
		}
		if in.EstimatedMinutes != nil {
			if *in.EstimatedMinutes <= 0 {
				return fmt.Errorf("estimated minutes must be > 0, got %d: %w", *in.EstimatedMinutes, common.ErrValidation)
			}
			task.EstimatedMinutes = *in.EstimatedMinutes
		}
		if in.IsHomework != nil {
			task.IsHomework = *in.IsHomework
		}
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	log.WithField("task_id", id).Info("Task details updated")
	return task, nil
}

// ValidateSubject trims s and checks that it is present and short.
func ValidateSubject(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("subject is required: %w", common.ErrValidation)
	}
	if len([]rune(s)) > maxSubjectLen {
		return "", fmt.Errorf("subject longer than %d characters: %w", maxSubjectLen, common.ErrValidation)
	}
	return s, nil
}
