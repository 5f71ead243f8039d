// Package dashboard: models.go describes the read-only projections shown
// to children and parents.
package dashboard

import (
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/features/wallet"
)

// ChildDashboard is a child's view of today.
type ChildDashboard struct {
	User *domain.User `json:"user"`
	// TodayPlan is the first plan for today, nil when there is none.
	TodayPlan  *domain.Plan   `json:"today_plan"`
	TodayTasks []*domain.Task `json:"today_tasks"` // tasks of every plan for today

	WalletBalance int             `json:"wallet_balance"`
	DailyLimit    int             `json:"daily_limit"`
	TodayEarned   int             `json:"today_earned"`
	TodayConsumed int             `json:"today_consumed"`
	Wallet        *wallet.Summary `json:"wallet"`

	// PendingTasks counts pending and in_progress tasks.
	PendingTasks   int                       `json:"pending_tasks"`
	CompletedTasks int                       `json:"completed_tasks"`
	ApprovedTasks  int                       `json:"approved_tasks"`
	RejectedTasks  int                       `json:"rejected_tasks"`
	StatusCounts   map[domain.TaskStatus]int `json:"status_counts"`
}

// ParentDashboard is the household view for parents.
type ParentDashboard struct {
	Children         []*domain.User    `json:"children"`
	PendingApprovals []*domain.Task    `json:"pending_approvals"`
	TodayPlans       []*domain.Plan    `json:"today_plans"`
	ActiveRules      []*domain.Rule    `json:"active_rules"`
	Wallets          []*wallet.Summary `json:"wallets"`
}
