// Package wallet: models.go describes the inputs and projections of the
// activity-time ledger.
package wallet

import (
	"time"

	"serotonyl.ru/s2a/internal/domain"
)

// Options are the defaults applied to new wallets and the retry budget
// for lost races on the balance.
type Options struct {
	DefaultDailyLimit int
	DefaultCarryOver  bool
	MaxRetries        uint
}

// AdjustInput is a manual correction of the balance by a parent.
// Minutes may be negative.
type AdjustInput struct {
	Minutes        int    `json:"minutes"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ConsumeInput records activity time spent by the child.
// ActivityType defaults to other.
type ConsumeInput struct {
	Minutes         int                 `json:"minutes"`
	ConsumedMinutes int                 `json:"consumed_minutes"` // alias of Minutes used by the web client
	ActivityType    domain.ActivityType `json:"activity_type"`
	Description     string              `json:"description"`
	IdempotencyKey  string              `json:"idempotency_key"`
}

// SettingsInput is a partial update of wallet settings.
type SettingsInput struct {
	DailyLimit *int  `json:"daily_limit"`
	CarryOver  *bool `json:"carry_over"`
}

// Entry is the result of adjust/consume: the log entry and the balance
// after it. Replayed is true when the idempotency key was seen before and
// nothing was applied.
type Entry struct {
	Log      *domain.ActivityLog `json:"log"`
	Balance  int                 `json:"balance"`
	Replayed bool                `json:"replayed"`
}

// Summary is the wallet as shown to its owner, with today's totals.
type Summary struct {
	ChildID        int64 `json:"child_id"`
	Balance        int   `json:"balance"`
	DailyLimit     int   `json:"daily_limit"`
	CarryOver      bool  `json:"carry_over"`
	TodayEarned    int   `json:"today_earned"`
	TodayConsumed  int   `json:"today_consumed"`
	TodayRemaining *int  `json:"today_remaining"` // nil when there is no daily limit
}

// AuditReport compares the stored balance with the balance replayed from
// the ledger. LowestBalance is the minimum running balance seen during
// replay.
type AuditReport struct {
	ChildID       int64     `json:"child_id"`
	Stored        int       `json:"stored"`
	Replayed      int       `json:"replayed"`
	Grants        int       `json:"grants"`
	Entries       int       `json:"entries"`
	Balanced      bool      `json:"balanced"`
	LowestBalance int       `json:"lowest_balance"`
	CheckedAt     time.Time `json:"checked_at"`
}

// RolloverResult reports one expired balance.
type RolloverResult struct {
	ChildID int64 `json:"child_id"`
	Expired int   `json:"expired"`
}
