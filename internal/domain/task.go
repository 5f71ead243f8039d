package domain

import (
	"fmt"
	"time"

	"serotonyl.ru/s2a/internal/common"
)

// TaskStatus is the lifecycle state of a task.
//
//	pending ──start──▶ in_progress ──complete──▶ completed ──approve──▶ approved
//	   ▲                                            │
//	   └────────────── start (retry) ◀── rejected ◀─┘ reject
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusApproved   TaskStatus = "approved"
	StatusRejected   TaskStatus = "rejected"
)

// TaskStatuses lists every status in lifecycle order.
var TaskStatuses = []TaskStatus{
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusApproved,
	StatusRejected,
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Transition names, used in errors, logs and metrics.
const (
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionApprove  = "approve"
	ActionReject   = "reject"
)

// sources lists the states each transition may leave from.
var sources = map[string][]TaskStatus{
	ActionStart:    {StatusPending, StatusRejected},
	ActionComplete: {StatusInProgress},
	ActionApprove:  {StatusCompleted},
	ActionReject:   {StatusCompleted},
}

// CanTransition reports whether action is allowed from status.
func CanTransition(status TaskStatus, action string) bool {
	for _, s := range sources[action] {
		if s == status {
			return true
		}
	}
	return false
}

func (t *Task) guard(action string) error {
	if !CanTransition(t.Status, action) {
		return fmt.Errorf("task %d: cannot %s from %s: %w", t.ID, action, t.Status, common.ErrInvalidState)
	}
	return nil
}

// Start moves the task to in_progress. Starting a rejected task is the
// retry path: the previous attempt's actual minutes and completion time
// are cleared.
func (t *Task) Start(now time.Time) error {
	if err := t.guard(ActionStart); err != nil {
		return err
	}
	t.Status = StatusInProgress
	t.StartedAt = &now
	t.ActualMinutes = nil
	t.CompletedAt = nil
	return nil
}

// Complete moves the task to completed. When actual is nil the elapsed
// whole minutes since start are recorded, if there is at least one.
func (t *Task) Complete(now time.Time, actual *int) error {
	if err := t.guard(ActionComplete); err != nil {
		return err
	}
	if actual != nil && *actual < 0 {
		return fmt.Errorf("task %d: actual minutes must be >= 0, got %d: %w", t.ID, *actual, common.ErrValidation)
	}

	t.Status = StatusCompleted
	t.CompletedAt = &now
	switch {
	case actual != nil:
		v := *actual
		t.ActualMinutes = &v
	case t.StartedAt != nil:
		if elapsed := int(now.Sub(*t.StartedAt) / time.Minute); elapsed >= 1 {
			t.ActualMinutes = &elapsed
		}
	}
	return nil
}

// Approve moves the task to approved. Approval is final.
func (t *Task) Approve(now time.Time, approverID int64) error {
	if err := t.guard(ActionApprove); err != nil {
		return err
	}
	t.Status = StatusApproved
	t.ApprovedAt = &now
	t.ApprovedBy = &approverID
	return nil
}

// Reject sends a completed task back to the child.
func (t *Task) Reject() error {
	if err := t.guard(ActionReject); err != nil {
		return err
	}
	t.Status = StatusRejected
	return nil
}
