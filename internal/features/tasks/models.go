// Package tasks: models.go describes the inputs and results of the task
// lifecycle.
package tasks

import (
	"context"
	"time"

	"serotonyl.ru/s2a/internal/domain"
)

// ApproveResult is returned by Approve: the approved task and the grants
// the reward engine wrote in the same unit of work.
type ApproveResult struct {
	Task   *domain.Task    `json:"task"`
	Grants []*domain.Grant `json:"rewards_granted"`
}

// DetailsInput is a partial update of the descriptive fields of a task.
// Status is never changed through it.
type DetailsInput struct {
	Subject          *string `json:"subject"`
	Description      *string `json:"description"`
	EstimatedMinutes *int    `json:"estimated_minutes"`
	IsHomework       *bool   `json:"is_homework"`
}

// ListInput narrows List. Zero fields match everything.
type ListInput struct {
	ChildID int64
	Date    *time.Time
	Status  *domain.TaskStatus
}

// Notifier is told about lifecycle events after they commit.
// The Telegram bot implements it.
type Notifier interface {
	TaskCompleted(ctx context.Context, task *domain.Task)
	RewardsGranted(ctx context.Context, task *domain.Task, grants []*domain.Grant)
}
