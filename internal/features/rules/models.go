// Package rules: models.go describes the inputs of the reward rule registry
// and the default rule catalog.
package rules

import (
	"encoding/json"

	"serotonyl.ru/s2a/internal/domain"
)

// CreateInput is the body of POST /api/rules.
type CreateInput struct {
	TriggerType      domain.TriggerType `json:"trigger_type"`
	TriggerCondition json.RawMessage    `json:"trigger_condition"`
	RewardMinutes    int                `json:"reward_minutes"`
	Description      string             `json:"description"`
	IsActive         *bool              `json:"is_active"` // default true
}

// UpdateInput is a partial update; nil fields are left unchanged.
//
// When TriggerType changes and TriggerCondition is omitted, the old
// condition is dropped, so switching to a trigger that needs one requires
// sending it.
type UpdateInput struct {
	TriggerType      *domain.TriggerType `json:"trigger_type"`
	TriggerCondition json.RawMessage     `json:"trigger_condition"`
	RewardMinutes    *int                `json:"reward_minutes"`
	Description      *string             `json:"description"`
	IsActive         *bool               `json:"is_active"`
}

// DefaultCatalog is the rule set installed by SeedDefaults, one rule per
// trigger type.
func DefaultCatalog() []CreateInput {
	return []CreateInput{
		{
			TriggerType:   domain.TriggerAllHomeworkDone,
			RewardMinutes: 30,
			Description:   "Finish all of today's homework",
		},
		{
			TriggerType:      domain.TriggerStudyTimeReached,
			TriggerCondition: json.RawMessage(`{"minutes":60}`),
			RewardMinutes:    30,
			Description:      "Study for one hour of the plan",
		},
		{
			TriggerType:   domain.TriggerTaskCompleted,
			RewardMinutes: 15,
			Description:   "Complete one task",
		},
		{
			TriggerType:      domain.TriggerStreak,
			TriggerCondition: json.RawMessage(`{"days":7}`),
			RewardMinutes:    120,
			Description:      "Follow the plan 7 days in a row (weekend bonus)",
		},
	}
}
