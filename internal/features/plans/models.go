// Package plans: models.go describes the inputs of plan authoring.
package plans

// TaskInput is one task of a new plan.
type TaskInput struct {
	Subject          string `json:"subject"`
	Description      string `json:"description"`
	EstimatedMinutes int    `json:"estimated_minutes"` // 0 = DefaultEstimate
	IsHomework       bool   `json:"is_homework"`
}

// CreateInput is the body of POST /api/plans.
type CreateInput struct {
	ChildID  int64       `json:"child_id"`
	PlanDate string      `json:"plan_date"` // "2006-01-02", empty = today
	Title    string      `json:"title"`
	Tasks    []TaskInput `json:"tasks"`
}

// DefaultEstimate is used when a task is created without an estimate.
const DefaultEstimate = 30
