package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"serotonyl.ru/s2a/internal/common"
)

// TriggerType is the category of condition a rule reacts to.
type TriggerType string

const (
	TriggerAllHomeworkDone  TriggerType = "all_homework_done"
	TriggerStudyTimeReached TriggerType = "study_time_reached"
	TriggerTaskCompleted    TriggerType = "task_completed"
	TriggerStreak           TriggerType = "streak"
)

// TriggerTypes lists every trigger in catalog order.
var TriggerTypes = []TriggerType{
	TriggerAllHomeworkDone,
	TriggerStudyTimeReached,
	TriggerTaskCompleted,
	TriggerStreak,
}

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerAllHomeworkDone, TriggerStudyTimeReached, TriggerTaskCompleted, TriggerStreak:
		return true
	}
	return false
}

// Condition is the tagged variant of a rule's trigger condition.
// Exactly one shape is legal per trigger type:
//
//	all_homework_done, task_completed → NoCondition (JSON null)
//	study_time_reached                → StudyTimeCondition {"minutes": n}
//	streak                            → StreakCondition {"days": n}
type Condition interface {
	isCondition()
}

// NoCondition is the empty condition.
type NoCondition struct{}

// StudyTimeCondition fires once today's approved study time reaches Minutes.
type StudyTimeCondition struct {
	Minutes int `json:"minutes"`
}

// StreakCondition fires once Days consecutive days ending today each have
// an approved task.
type StreakCondition struct {
	Days int `json:"days"`
}

func (NoCondition) isCondition()        {}
func (StudyTimeCondition) isCondition() {}
func (StreakCondition) isCondition()    {}

// MarshalJSON encodes NoCondition as null.
func (NoCondition) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// ParseCondition decodes raw JSON into the variant required by trigger.
// Unknown fields, a missing required condition, a condition on a trigger
// that takes none and non-positive values are all ErrValidation.
func ParseCondition(trigger TriggerType, raw []byte) (Condition, error) {
	raw = bytes.TrimSpace(raw)
	empty := len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}"))

	switch trigger {
	case TriggerAllHomeworkDone, TriggerTaskCompleted:
		if !empty {
			return nil, fmt.Errorf("%s takes no trigger condition: %w", trigger, common.ErrValidation)
		}
		return NoCondition{}, nil

	case TriggerStudyTimeReached:
		if empty {
			return nil, fmt.Errorf("%s requires {\"minutes\": n}: %w", trigger, common.ErrValidation)
		}
		var c StudyTimeCondition
		if err := decodeStrict(raw, &c); err != nil {
			return nil, fmt.Errorf("%s condition: %v: %w", trigger, err, common.ErrValidation)
		}
		if err := c.validate(); err != nil {
			return nil, err
		}
		return c, nil

	case TriggerStreak:
		if empty {
			return nil, fmt.Errorf("%s requires {\"days\": n}: %w", trigger, common.ErrValidation)
		}
		var c StreakCondition
		if err := decodeStrict(raw, &c); err != nil {
			return nil, fmt.Errorf("%s condition: %v: %w", trigger, err, common.ErrValidation)
		}
		if err := c.validate(); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown trigger type %q: %w", trigger, common.ErrValidation)
}

// EncodeCondition renders c in canonical form for storage.
// NoCondition becomes nil (SQL NULL).
func EncodeCondition(c Condition) (json.RawMessage, error) {
	switch c.(type) {
	case nil, NoCondition:
		return nil, nil
	}
	return json.Marshal(c)
}

func (c StudyTimeCondition) validate() error {
	if c.Minutes <= 0 {
		return fmt.Errorf("study_time_reached minutes must be > 0, got %d: %w", c.Minutes, common.ErrValidation)
	}
	return nil
}

func (c StreakCondition) validate() error {
	if c.Days <= 0 {
		return fmt.Errorf("streak days must be > 0, got %d: %w", c.Days, common.ErrValidation)
	}
	return nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data")
	}
	return nil
}
