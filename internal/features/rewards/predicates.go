package rewards

import (
	"context"
	"fmt"
	"time"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/store"
)

// dayState is the child's task state on the evaluation date, read once per
// evaluation. Grants never change task state, so it stays valid across
// rules.
type dayState struct {
	childID int64
	date    time.Time
	tasks   []*domain.Task // every task of the child's plans for date
	trigger *domain.Task
}

func loadDay(ctx context.Context, tx store.Tx, childID int64, date time.Time, trigger *domain.Task) (*dayState, error) {
	tasks, err := tx.ListTasks(ctx, store.TaskFilter{ChildID: childID, From: &date, To: &date})
	if err != nil {
		return nil, fmt.Errorf("load tasks of child %d on %s: %w", childID, common.FormatDate(date), err)
	}
	return &dayState{childID: childID, date: date, tasks: tasks, trigger: trigger}, nil
}

// satisfies evaluates the predicate of trigger against the day.
// Predicates read task state only; manual wallet adjustments never count.
func (d *dayState) satisfies(ctx context.Context, tx store.Tx, trigger domain.TriggerType, cond domain.Condition) (bool, error) {
	switch c := cond.(type) {
	case domain.NoCondition:
		switch trigger {
		case domain.TriggerAllHomeworkDone:
			return d.allHomeworkApproved(), nil
		case domain.TriggerTaskCompleted:
			return d.anyApproved(), nil
		}
	case domain.StudyTimeCondition:
		if trigger == domain.TriggerStudyTimeReached {
			return d.approvedMinutes() >= c.Minutes, nil
		}
	case domain.StreakCondition:
		if trigger == domain.TriggerStreak {
			return d.streak(ctx, tx, c.Days)
		}
	}
	return false, fmt.Errorf("condition %T does not fit trigger %s: %w", cond, trigger, common.ErrValidation)
}

// allHomeworkApproved is true when the day has homework and all of it is
// approved.
func (d *dayState) allHomeworkApproved() bool {
	homework := 0
	for _, t := range d.tasks {
		if !t.IsHomework {
			continue
		}
		homework++
		if t.Status != domain.StatusApproved {
			return false
		}
	}
	return homework > 0
}

func (d *dayState) anyApproved() bool {
	if d.trigger != nil && d.trigger.Status == domain.StatusApproved {
		return true
	}
	for _, t := range d.tasks {
		if t.Status == domain.StatusApproved {
			return true
		}
	}
	return false
}

// approvedMinutes sums actual minutes (estimate when absent) of the day's
// approved tasks.
func (d *dayState) approvedMinutes() int {
	total := 0
	for _, t := range d.tasks {
		if t.Status == domain.StatusApproved {
			total += t.StudyMinutes()
		}
	}
	return total
}

// streak is true when each of the days calendar days ending on the
// evaluation date has at least one approved task.
func (d *dayState) streak(ctx context.Context, tx store.Tx, days int) (bool, error) {
	from := d.date.AddDate(0, 0, -(days - 1))
	approved := domain.StatusApproved
	tasks, err := tx.ListTasks(ctx, store.TaskFilter{
		ChildID: d.childID,
		From:    &from,
		To:      &d.date,
		Status:  &approved,
	})
	if err != nil {
		return false, fmt.Errorf("load streak of child %d: %w", d.childID, err)
	}

	seen := make(map[string]bool, days)
	for _, t := range tasks {
		seen[common.FormatDate(t.PlanDate)] = true
	}
	for day := from; !day.After(d.date); day = day.AddDate(0, 0, 1) {
		if !seen[common.FormatDate(day)] {
			return false, nil
		}
	}
	return true, nil
}
