// Package domain: models.go describes the entities stored in the database.
// Each struct mirrors one table; json tags are the HTTP wire format.
package domain

import (
	"encoding/json"
	"time"
)

// Role of a family member.
type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

func (r Role) Valid() bool {
	return r == RoleParent || r == RoleChild
}

// User is a family member (table users).
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	PinHash   string    `json:"-"`    // argon2id, empty = no PIN
	HasPin    bool      `json:"has_pin"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is one child's learning plan for a calendar day (table study_plans).
// A plan exclusively owns its tasks.
type Plan struct {
	ID        int64     `json:"id"`
	ChildID   int64     `json:"child_id"`
	PlanDate  time.Time `json:"plan_date"` // calendar day, midnight UTC
	Title     string    `json:"title"`
	Tasks     []*Task   `json:"tasks"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is one learning item of a plan (table study_tasks).
type Task struct {
	ID               int64      `json:"id"`
	PlanID           int64      `json:"plan_id"`
	ChildID          int64      `json:"child_id"`  // denormalized from the plan
	PlanDate         time.Time  `json:"plan_date"` // denormalized from the plan
	Subject          string     `json:"subject"`
	Description      string     `json:"description"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	ActualMinutes    *int       `json:"actual_minutes"` // nil until completed
	IsHomework       bool       `json:"is_homework"`
	Status           TaskStatus `json:"status"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	ApprovedAt       *time.Time `json:"approved_at"`
	ApprovedBy       *int64     `json:"approved_by"`
	CreatedAt        time.Time  `json:"created_at"`
}

// StudyMinutes is the time credited for the task: actual when recorded,
// otherwise the estimate.
func (t *Task) StudyMinutes() int {
	if t.ActualMinutes != nil {
		return *t.ActualMinutes
	}
	return t.EstimatedMinutes
}

// Rule is a configured reward rule (table reward_rules).
type Rule struct {
	ID            int64           `json:"id"`
	TriggerType   TriggerType     `json:"trigger_type"`
	RawCondition  json.RawMessage `json:"trigger_condition"` // as stored, decoded lazily
	RewardMinutes int             `json:"reward_minutes"`
	Description   string          `json:"description"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Condition decodes the stored trigger condition. A row edited outside the
// service may fail here; the engine skips such rules.
func (r *Rule) Condition() (Condition, error) {
	return ParseCondition(r.TriggerType, r.RawCondition)
}

// Wallet holds a child's activity-time balance (table activity_wallets).
type Wallet struct {
	ChildID    int64     `json:"child_id"`
	Balance    int       `json:"balance"`
	DailyLimit int       `json:"daily_limit"` // max minutes consumed per day, 0 = no limit
	CarryOver  bool      `json:"carry_over"`  // false = unused balance expires at midnight
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ActivityType of a consumption entry.
type ActivityType string

const (
	ActivitySwitch ActivityType = "switch"
	ActivityTablet ActivityType = "tablet"
	ActivityOther  ActivityType = "other"
	// ActivityAdjust marks manual adjustments.
	ActivityAdjust ActivityType = "adjust"
	// ActivityExpired marks balance expired by the midnight rollover.
	ActivityExpired ActivityType = "expired"
)

// Consumable reports whether a caller may record consumption of this type.
func (a ActivityType) Consumable() bool {
	switch a {
	case ActivitySwitch, ActivityTablet, ActivityOther:
		return true
	}
	return false
}

// Source of an activity log entry.
type Source string

const (
	SourceManual Source = "manual"
	SourceSystem Source = "system"
)

// ActivityLog is one signed, append-only wallet entry (table activity_logs).
// ConsumedMinutes > 0 is a debit, < 0 a credit.
type ActivityLog struct {
	ID              int64        `json:"id"`
	ChildID         int64        `json:"child_id"`
	ActivityType    ActivityType `json:"activity_type"`
	Description     string       `json:"description"`
	ConsumedMinutes int          `json:"consumed_minutes"`
	Source          Source       `json:"source"`
	IdempotencyKey  string       `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Delta is the signed effect of the entry on the balance.
func (l *ActivityLog) Delta() int {
	return -l.ConsumedMinutes
}

// Grant is a reward credited by the engine (table reward_grants).
// At most one exists per (rule, child, granted date).
type Grant struct {
	ID             int64     `json:"id"`
	RuleID         int64     `json:"rule_id"`
	ChildID        int64     `json:"child_id"`
	GrantedDate    time.Time `json:"granted_date"`
	GrantedMinutes int       `json:"granted_minutes"`
	Description    string    `json:"description"` // rule description at grant time
	CreatedAt      time.Time `json:"created_at"`

	// Set only on grants returned by the engine.
	TriggerType TriggerType `json:"trigger_type,omitempty"`
	NewBalance  *int        `json:"new_balance,omitempty"`
}
