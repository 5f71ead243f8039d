package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "s2a.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

var day = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func seedChildWithPlan(t *testing.T, s *Store) (*domain.User, *domain.Plan) {
	t.Helper()
	ctx := context.Background()
	child := &domain.User{Name: "Hana", Role: domain.RoleChild}
	plan := &domain.Plan{
		PlanDate: day,
		Title:    "Wednesday",
		Tasks: []*domain.Task{
			{Subject: "math", EstimatedMinutes: 30, IsHomework: true},
			{Subject: "reading", EstimatedMinutes: 20},
		},
	}
	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, child); err != nil {
			return err
		}
		plan.ChildID = child.ID
		if err := tx.CreatePlan(ctx, plan); err != nil {
			return err
		}
		return tx.EnsureWallet(ctx, child.ID, 120, false)
	})
	require.NoError(t, err)
	return child, plan
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s2a.db")
	s, err := Open(path)
	require.NoError(t, err)
	s.Close()

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestPlan_RoundTripAndCascadeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	child, plan := seedChildWithPlan(t, s)

	var got *domain.Plan
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		got, err = tx.GetPlan(ctx, plan.ID)
		return err
	}))
	assert.Equal(t, day, got.PlanDate)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, child.ID, got.Tasks[0].ChildID)
	assert.Equal(t, domain.StatusPending, got.Tasks[0].Status)
	assert.True(t, got.Tasks[0].IsHomework)
	assert.Nil(t, got.Tasks[0].ActualMinutes)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.DeletePlan(ctx, plan.ID)
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetPlan(ctx, plan.ID)
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = tx.GetTask(ctx, plan.Tasks[0].ID, false)
		assert.ErrorIs(t, err, common.ErrNotFound)
		tasks, err := tx.ListTasks(ctx, store.TaskFilter{ChildID: child.ID})
		require.NoError(t, err)
		assert.Empty(t, tasks)
		return nil
	}))
}

func TestTask_UpdatePersistsNullableColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, plan := seedChildWithPlan(t, s)

	now := time.Date(2024, 5, 1, 17, 30, 0, 0, time.UTC)
	actual := 25
	approver := plan.ChildID
	task := plan.Tasks[0]
	task.Status = domain.StatusApproved
	task.ActualMinutes = &actual
	task.StartedAt = &now
	task.CompletedAt = &now
	task.ApprovedAt = &now
	task.ApprovedBy = &approver

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateTask(ctx, task)
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetTask(ctx, task.ID, false)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusApproved, got.Status)
		require.NotNil(t, got.ActualMinutes)
		assert.Equal(t, 25, *got.ActualMinutes)
		require.NotNil(t, got.ApprovedAt)
		assert.True(t, now.Equal(*got.ApprovedAt))

		status := domain.StatusApproved
		approved, err := tx.ListTasks(ctx, store.TaskFilter{ChildID: plan.ChildID, From: &day, To: &day, Status: &status})
		require.NoError(t, err)
		assert.Len(t, approved, 1)
		return nil
	}))
}

func TestInsertGrant_UniquePerRuleChildDay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	child, _ := seedChildWithPlan(t, s)

	insert := func(d time.Time) bool {
		var ok bool
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
			var err error
			ok, err = tx.InsertGrant(ctx, &domain.Grant{RuleID: 1, ChildID: child.ID, GrantedDate: d, GrantedMinutes: 30})
			return err
		}))
		return ok
	}

	assert.True(t, insert(day))
	assert.False(t, insert(day), "second grant on the same day is ignored")
	assert.True(t, insert(day.AddDate(0, 0, 1)))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		exists, err := tx.GrantExists(ctx, 1, child.ID, day)
		require.NoError(t, err)
		assert.True(t, exists)

		grants, err := tx.ListGrants(ctx, store.GrantFilter{ChildID: child.ID, GrantedDate: &day})
		require.NoError(t, err)
		assert.Len(t, grants, 1)
		return nil
	}))
}

func TestActivity_IdempotencyKeyIsUniquePerChild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	child, _ := seedChildWithPlan(t, s)

	entry := func() *domain.ActivityLog {
		return &domain.ActivityLog{
			ChildID: child.ID, ActivityType: domain.ActivitySwitch,
			ConsumedMinutes: 10, Source: domain.SourceSystem, IdempotencyKey: "k-1",
		}
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.InsertActivity(ctx, entry()) }))
	err := s.Update(ctx, func(tx store.Tx) error { return tx.InsertActivity(ctx, entry()) })
	assert.Error(t, err)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		l, err := tx.FindActivityByKey(ctx, child.ID, "k-1")
		require.NoError(t, err)
		assert.Equal(t, 10, l.ConsumedMinutes)
		_, err = tx.FindActivityByKey(ctx, child.ID, "k-2")
		assert.ErrorIs(t, err, common.ErrNotFound)
		return nil
	}))
}

func TestSumConsumed_CountsOnlyWindowAndTypes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	child, _ := seedChildWithPlan(t, s)

	at := func(h int) time.Time { return day.Add(time.Duration(h) * time.Hour) }
	entries := []*domain.ActivityLog{
		{ActivityType: domain.ActivitySwitch, ConsumedMinutes: 20, CreatedAt: at(10)},
		{ActivityType: domain.ActivityTablet, ConsumedMinutes: 15, CreatedAt: at(12)},
		{ActivityType: domain.ActivityAdjust, ConsumedMinutes: 50, CreatedAt: at(13)},
		{ActivityType: domain.ActivityAdjust, ConsumedMinutes: -30, CreatedAt: at(14)},
		{ActivityType: domain.ActivitySwitch, ConsumedMinutes: 40, CreatedAt: at(26)},
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for i, e := range entries {
			e.ChildID = child.ID
			e.Source = domain.SourceSystem
			e.IdempotencyKey = string(rune('a' + i))
			if err := tx.InsertActivity(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		sum, err := tx.SumConsumed(ctx, child.ID, day, day.AddDate(0, 0, 1),
			[]domain.ActivityType{domain.ActivitySwitch, domain.ActivityTablet, domain.ActivityOther})
		require.NoError(t, err)
		assert.Equal(t, 35, sum)

		logs, err := tx.ListActivity(ctx, store.ActivityFilter{ChildID: child.ID, Limit: 2})
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, 40, logs[0].ConsumedMinutes, "newest first")
		return nil
	}))
}

func TestSavepoint_RollsBackOnlyInnerWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	child, _ := seedChildWithPlan(t, s)
	boom := errors.New("boom")

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.AddToBalance(ctx, child.ID, 10); err != nil {
			return err
		}
		err := tx.Savepoint(ctx, func(inner store.Tx) error {
			if _, err := inner.AddToBalance(ctx, child.ID, 100); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		return tx.Savepoint(ctx, func(inner store.Tx) error {
			_, err := inner.AddToBalance(ctx, child.ID, 5)
			return err
		})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		w, err := tx.GetWallet(ctx, child.ID, false)
		require.NoError(t, err)
		assert.Equal(t, 15, w.Balance)
		return nil
	}))
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	child, _ := seedChildWithPlan(t, s)

	err := s.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.AddToBalance(ctx, child.ID, 10); err != nil {
			return err
		}
		return common.ErrInsufficientBalance
	})
	assert.ErrorIs(t, err, common.ErrInsufficientBalance)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		w, err := tx.GetWallet(ctx, child.ID, false)
		require.NoError(t, err)
		assert.Equal(t, 0, w.Balance)
		return nil
	}))
}

func TestRules_ConditionStoredAsNullOrJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rules := []*domain.Rule{
		{TriggerType: domain.TriggerAllHomeworkDone, RewardMinutes: 30, IsActive: true},
		{TriggerType: domain.TriggerStreak, RawCondition: []byte(`{"days":7}`), RewardMinutes: 120, IsActive: false},
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for _, r := range rules {
			if err := tx.CreateRule(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		all, err := tx.ListRules(ctx, false)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Nil(t, all[0].RawCondition)
		assert.JSONEq(t, `{"days":7}`, string(all[1].RawCondition))

		active, err := tx.ListRules(ctx, true)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, domain.TriggerAllHomeworkDone, active[0].TriggerType)

		n, err := tx.CountRules(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	}))
}
