package wallet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/db/sqlite"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/store"
	"serotonyl.ru/s2a/internal/testutil"
)

type fixture struct {
	st    *sqlite.Store
	clock *common.ManualClock
	svc   *Service
	child *domain.User
}

func newFixture(t *testing.T) *fixture {
	st := testutil.NewStore(t)
	clock := testutil.NewClock()
	return &fixture{
		st:    st,
		clock: clock,
		svc:   NewService(st, clock, common.NewChildLocks(), Options{DefaultDailyLimit: 120, MaxRetries: 3}),
		child: testutil.CreateUser(t, st, "Hana", domain.RoleChild),
	}
}

func (f *fixture) credit(t *testing.T, minutes int) {
	t.Helper()
	_, err := f.svc.Adjust(context.Background(), f.child.ID, AdjustInput{Minutes: minutes, Reason: "test credit"})
	require.NoError(t, err)
}

func (f *fixture) setLimit(t *testing.T, limit int) {
	t.Helper()
	_, err := f.svc.UpdateSettings(context.Background(), f.child.ID, SettingsInput{DailyLimit: &limit})
	require.NoError(t, err)
}

func TestConsume_InsufficientBalanceLeavesBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, 50)

	_, err := f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 60, ActivityType: domain.ActivitySwitch})
	assert.ErrorIs(t, err, common.ErrInsufficientBalance)
	assert.Equal(t, 50, testutil.Wallet(t, f.st, f.child.ID).Balance)

	entry, err := f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 50, ActivityType: domain.ActivitySwitch})
	require.NoError(t, err)
	assert.Equal(t, 0, entry.Balance)
	assert.Equal(t, domain.SourceSystem, entry.Log.Source)
	assert.Equal(t, 50, entry.Log.ConsumedMinutes)
}

func TestConsume_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, 50)

	_, err := f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 0, ActivityType: domain.ActivityTablet})
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: -5, ActivityType: domain.ActivityTablet})
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 5, ActivityType: domain.ActivityAdjust})
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 5, ActivityType: "tv"})
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = f.svc.Consume(ctx, 999, ConsumeInput{Minutes: 5, ActivityType: domain.ActivityTablet})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestConsume_DailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, 300)

	_, err := f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 100, ActivityType: domain.ActivitySwitch})
	require.NoError(t, err)

	_, err = f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 30, ActivityType: domain.ActivityTablet})
	assert.ErrorIs(t, err, common.ErrDailyLimitExceeded)
	assert.Equal(t, 200, testutil.Wallet(t, f.st, f.child.ID).Balance)

	_, err = f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 20, ActivityType: domain.ActivityTablet})
	require.NoError(t, err, "exactly reaching the limit is allowed")

	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 30, ActivityType: domain.ActivitySwitch})
	require.NoError(t, err, "limit resets on the next day")

	f.setLimit(t, 0)
	_, err = f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 140, ActivityType: domain.ActivitySwitch})
	require.NoError(t, err, "zero disables the limit")
	assert.Equal(t, 10, testutil.Wallet(t, f.st, f.child.ID).Balance)
}

func TestAdjust_MayDriveBalanceNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.svc.Adjust(ctx, f.child.ID, AdjustInput{Minutes: -15, Reason: "late bedtime"})
	require.NoError(t, err)
	assert.Equal(t, -15, entry.Balance)
	assert.Equal(t, domain.SourceManual, entry.Log.Source)
	assert.Equal(t, domain.ActivityAdjust, entry.Log.ActivityType)
	assert.Equal(t, 15, entry.Log.ConsumedMinutes)
	assert.NotEmpty(t, entry.Log.IdempotencyKey)

	_, err = f.svc.Adjust(ctx, f.child.ID, AdjustInput{Minutes: 0})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestIdempotencyKey_AppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, 100)

	in := ConsumeInput{Minutes: 30, ActivityType: domain.ActivitySwitch, IdempotencyKey: "req-1"}
	first, err := f.svc.Consume(ctx, f.child.ID, in)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.svc.Consume(ctx, f.child.ID, in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Log.ID, second.Log.ID)
	assert.Equal(t, 70, second.Balance)
	assert.Equal(t, 70, testutil.Wallet(t, f.st, f.child.ID).Balance)

	in.Minutes = 10
	_, err = f.svc.Consume(ctx, f.child.ID, in)
	assert.ErrorIs(t, err, common.ErrValidation, "key reused for another amount")
}

func TestConsume_ConcurrentNeverOverdraws(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setLimit(t, 0)
	f.credit(t, 100)

	var (
		wg           sync.WaitGroup
		ok, rejected atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 10, ActivityType: domain.ActivityOther})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, common.ErrInsufficientBalance):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(10), rejected.Load())
	assert.Equal(t, 0, testutil.Wallet(t, f.st, f.child.ID).Balance)
}

func TestGrant_OncePerRuleChildDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rule := testutil.CreateRule(t, f.st, domain.TriggerTaskCompleted, "", 15)

	var g *domain.Grant
	require.NoError(t, f.st.Update(ctx, func(tx store.Tx) error {
		var err error
		g, err = f.svc.Grant(ctx, tx, rule, f.child.ID, testutil.Today)
		return err
	}))
	require.NotNil(t, g.NewBalance)
	assert.Equal(t, 15, *g.NewBalance)
	assert.Equal(t, domain.TriggerTaskCompleted, g.TriggerType)

	err := f.st.Update(ctx, func(tx store.Tx) error {
		_, err := f.svc.Grant(ctx, tx, rule, f.child.ID, testutil.Today)
		return err
	})
	assert.ErrorIs(t, err, common.ErrConcurrencyConflict)
	assert.Equal(t, 15, testutil.Wallet(t, f.st, f.child.ID).Balance)
}

func TestSummary_TodayTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rule := testutil.CreateRule(t, f.st, domain.TriggerTaskCompleted, "", 40)
	require.NoError(t, f.st.Update(ctx, func(tx store.Tx) error {
		_, err := f.svc.Grant(ctx, tx, rule, f.child.ID, testutil.Today)
		return err
	}))
	_, err := f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 25, ActivityType: domain.ActivityTablet})
	require.NoError(t, err)

	sum, err := f.svc.Get(ctx, f.child.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, sum.Balance)
	assert.Equal(t, 40, sum.TodayEarned)
	assert.Equal(t, 25, sum.TodayConsumed)
	require.NotNil(t, sum.TodayRemaining)
	assert.Equal(t, 95, *sum.TodayRemaining)

	f.setLimit(t, 0)
	sum, err = f.svc.Get(ctx, f.child.ID)
	require.NoError(t, err)
	assert.Nil(t, sum.TodayRemaining)
}

func TestLogsAndGrants_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.credit(t, 30)
	f.clock.Advance(time.Minute)
	_, err := f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 10, ActivityType: domain.ActivitySwitch, Description: "Mario"})
	require.NoError(t, err)

	logs, err := f.svc.Logs(ctx, f.child.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "Mario", logs[0].Description)
	assert.Equal(t, domain.ActivityAdjust, logs[1].ActivityType)

	r1 := testutil.CreateRule(t, f.st, domain.TriggerTaskCompleted, "", 5)
	r2 := testutil.CreateRule(t, f.st, domain.TriggerAllHomeworkDone, "", 10)
	yesterday := testutil.Today.AddDate(0, 0, -1)
	require.NoError(t, f.st.Update(ctx, func(tx store.Tx) error {
		if _, err := f.svc.Grant(ctx, tx, r1, f.child.ID, yesterday); err != nil {
			return err
		}
		f.clock.Advance(time.Minute)
		_, err := f.svc.Grant(ctx, tx, r2, f.child.ID, testutil.Today)
		return err
	}))

	grants, err := f.svc.Grants(ctx, f.child.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, r2.ID, grants[0].RuleID)

	today := testutil.Today
	grants, err = f.svc.Grants(ctx, f.child.ID, &today, 0)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, 10, grants[0].GrantedMinutes)

	_, err = f.svc.Logs(ctx, 999, 0)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestAudit_ReplayMatchesBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setLimit(t, 0)
	rule := testutil.CreateRule(t, f.st, domain.TriggerTaskCompleted, "", 45)

	f.credit(t, 20)
	f.clock.Advance(time.Minute)
	require.NoError(t, f.st.Update(ctx, func(tx store.Tx) error {
		_, err := f.svc.Grant(ctx, tx, rule, f.child.ID, testutil.Today)
		return err
	}))
	f.clock.Advance(time.Minute)
	_, err := f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 60, ActivityType: domain.ActivitySwitch})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.Adjust(ctx, f.child.ID, AdjustInput{Minutes: -10})
	require.NoError(t, err)

	report, err := f.svc.Audit(ctx, f.child.ID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
	assert.Equal(t, -5, report.Stored)
	assert.Equal(t, -5, report.Replayed)
	assert.Equal(t, 1, report.Grants)
	assert.Equal(t, 3, report.Entries)
	assert.Equal(t, -5, report.LowestBalance)
}

func TestRollover_ExpiresOnlyWithoutCarryOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, 40)

	keeper := testutil.CreateUser(t, f.st, "Sora", domain.RoleChild)
	carry := true
	_, err := f.svc.UpdateSettings(ctx, keeper.ID, SettingsInput{CarryOver: &carry})
	require.NoError(t, err)
	_, err = f.svc.Adjust(ctx, keeper.ID, AdjustInput{Minutes: 25})
	require.NoError(t, err)

	results, err := f.svc.Rollover(ctx, testutil.Today)
	require.NoError(t, err)
	require.Equal(t, []RolloverResult{{ChildID: f.child.ID, Expired: 40}}, results)

	assert.Equal(t, 0, testutil.Wallet(t, f.st, f.child.ID).Balance)
	assert.Equal(t, 25, testutil.Wallet(t, f.st, keeper.ID).Balance)

	f.credit(t, 5)
	results, err = f.svc.Rollover(ctx, testutil.Today)
	require.NoError(t, err)
	assert.Empty(t, results, "same day runs once")
	assert.Equal(t, 5, testutil.Wallet(t, f.st, f.child.ID).Balance)

	logs, err := f.svc.Logs(ctx, f.child.ID, 0)
	require.NoError(t, err)
	var expired int
	for _, l := range logs {
		if l.ActivityType == domain.ActivityExpired {
			expired++
			assert.Equal(t, "rollover:"+common.FormatDate(testutil.Today), l.IdempotencyKey)
		}
	}
	assert.Equal(t, 1, expired)

	report, err := f.svc.Audit(ctx, f.child.ID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestRollover_KeepsMinutesWrittenAfterMidnight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, 40)

	// 00:30 on the next day: a fresh credit and some play before the job runs.
	f.clock.Advance(8*time.Hour + 30*time.Minute)
	f.credit(t, 15)
	_, err := f.svc.Consume(ctx, f.child.ID, ConsumeInput{Minutes: 10, ActivityType: domain.ActivitySwitch})
	require.NoError(t, err)
	require.Equal(t, 45, testutil.Wallet(t, f.st, f.child.ID).Balance)

	results, err := f.svc.Rollover(ctx, testutil.Today)
	require.NoError(t, err)
	require.Equal(t, []RolloverResult{{ChildID: f.child.ID, Expired: 40}}, results)
	assert.Equal(t, 5, testutil.Wallet(t, f.st, f.child.ID).Balance)

	report, err := f.svc.Audit(ctx, f.child.ID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestConsume_DefaultsForWebClientBody(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 30)

	entry, err := f.svc.Consume(context.Background(), f.child.ID, ConsumeInput{ConsumedMinutes: 20})
	require.NoError(t, err)
	assert.Equal(t, 20, entry.Log.ConsumedMinutes)
	assert.Equal(t, domain.ActivityOther, entry.Log.ActivityType)
	assert.Equal(t, 10, entry.Balance)
}

func TestUpdateSettings_RejectsNegativeLimit(t *testing.T) {
	f := newFixture(t)
	limit := -1
	_, err := f.svc.UpdateSettings(context.Background(), f.child.ID, SettingsInput{DailyLimit: &limit})
	assert.ErrorIs(t, err, common.ErrValidation)
}
