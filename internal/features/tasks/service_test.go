package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/db/sqlite"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/features/rewards"
	"serotonyl.ru/s2a/internal/features/wallet"
	"serotonyl.ru/s2a/internal/store"
	"serotonyl.ru/s2a/internal/testutil"
)

type recorder struct {
	mu        sync.Mutex
	completed []int64
	rewarded  map[int64]int
}

func (r *recorder) TaskCompleted(_ context.Context, task *domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, task.ID)
}

func (r *recorder) RewardsGranted(_ context.Context, task *domain.Task, grants []*domain.Grant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rewarded == nil {
		r.rewarded = make(map[int64]int)
	}
	r.rewarded[task.ID] += len(grants)
}

type fixture struct {
	st     *sqlite.Store
	clock  *common.ManualClock
	svc    *Service
	ledger *wallet.Service
	notes  *recorder
	child  *domain.User
	parent *domain.User
}

func newFixture(t *testing.T) *fixture {
	st := testutil.NewStore(t)
	clock := testutil.NewClock()
	locks := common.NewChildLocks()
	ledger := wallet.NewService(st, clock, locks, wallet.Options{DefaultDailyLimit: 90, MaxRetries: 3})
	svc := NewService(st, clock, locks, rewards.NewEngine(ledger), 3)
	notes := &recorder{}
	svc.SetNotifier(notes)
	return &fixture{
		st:     st,
		clock:  clock,
		svc:    svc,
		ledger: ledger,
		notes:  notes,
		child:  testutil.CreateUser(t, st, "Hana", domain.RoleChild),
		parent: testutil.CreateUser(t, st, "Mom", domain.RoleParent),
	}
}

func (f *fixture) completedTask(t *testing.T, plan *domain.Plan, i int, actual *int) *domain.Task {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.Start(ctx, plan.Tasks[i].ID)
	require.NoError(t, err)
	task, err := f.svc.Complete(ctx, plan.Tasks[i].ID, actual)
	require.NoError(t, err)
	return task
}

func TestApprove_HomeworkScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.CreateRule(t, f.st, domain.TriggerAllHomeworkDone, "", 20)
	plan := testutil.CreatePlan(t, f.st, f.child.ID, testutil.Today, testutil.Task("math", 30, true))

	task := f.completedTask(t, plan, 0, nil)
	assert.Equal(t, domain.StatusCompleted, task.Status)

	res, err := f.svc.Approve(ctx, task.ID, f.parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, res.Task.Status)
	require.NotNil(t, res.Task.ApprovedBy)
	assert.Equal(t, f.parent.ID, *res.Task.ApprovedBy)
	require.Len(t, res.Grants, 1)
	assert.Equal(t, 20, res.Grants[0].GrantedMinutes)
	assert.True(t, testutil.Today.Equal(res.Grants[0].GrantedDate))

	assert.Equal(t, 20, testutil.Wallet(t, f.st, f.child.ID).Balance)
	assert.Equal(t, []int64{task.ID}, f.notes.completed)
	assert.Equal(t, 1, f.notes.rewarded[task.ID])
}

func TestApprove_StudyTimeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.CreateRule(t, f.st, domain.TriggerStudyTimeReached, `{"minutes":60}`, 30)
	plan := testutil.CreatePlan(t, f.st, f.child.ID, testutil.Today,
		testutil.Task("math", 30, true),
		testutil.Task("english", 30, true),
	)

	forty, twenty := 40, 20
	first := f.completedTask(t, plan, 0, &forty)
	second := f.completedTask(t, plan, 1, &twenty)

	res, err := f.svc.Approve(ctx, first.ID, f.parent.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Grants)
	assert.NotNil(t, res.Grants, "encoded as [] rather than null")

	res, err = f.svc.Approve(ctx, second.ID, f.parent.ID)
	require.NoError(t, err)
	require.Len(t, res.Grants, 1)
	assert.Equal(t, 30, testutil.Wallet(t, f.st, f.child.ID).Balance)
}

func TestApprove_SameRuleTwiceADayGrantsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.CreateRule(t, f.st, domain.TriggerTaskCompleted, "", 15)
	plan := testutil.CreatePlan(t, f.st, f.child.ID, testutil.Today,
		testutil.Task("math", 30, true),
		testutil.Task("kanji", 30, true),
	)

	a := f.completedTask(t, plan, 0, nil)
	b := f.completedTask(t, plan, 1, nil)

	res, err := f.svc.Approve(ctx, a.ID, f.parent.ID)
	require.NoError(t, err)
	assert.Len(t, res.Grants, 1)

	res, err = f.svc.Approve(ctx, b.ID, f.parent.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Grants)

	assert.Equal(t, 15, testutil.Wallet(t, f.st, f.child.ID).Balance)

	f.clock.Advance(24 * time.Hour)
	tomorrow := testutil.CreatePlan(t, f.st, f.child.ID, f.clock.Today(), testutil.Task("math", 30, true))
	c := f.completedTask(t, tomorrow, 0, nil)
	res, err = f.svc.Approve(ctx, c.ID, f.parent.ID)
	require.NoError(t, err)
	assert.Len(t, res.Grants, 1, "a new day grants again")
}

func TestApprove_ConcurrentCallsApproveOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.CreateRule(t, f.st, domain.TriggerTaskCompleted, "", 15)
	testutil.CreateRule(t, f.st, domain.TriggerAllHomeworkDone, "", 30)
	plan := testutil.CreatePlan(t, f.st, f.child.ID, testutil.Today, testutil.Task("math", 30, true))
	task := f.completedTask(t, plan, 0, nil)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*ApproveResult
		invalid int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Approve(ctx, task.ID, f.parent.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				results = append(results, res)
			case errors.Is(err, common.ErrInvalidState):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, results, 1)
	assert.Len(t, results[0].Grants, 2)
	assert.Equal(t, callers-1, invalid)
	assert.Equal(t, 45, testutil.Wallet(t, f.st, f.child.ID).Balance)

	var grants []*domain.Grant
	require.NoError(t, f.st.View(ctx, func(tx store.Tx) error {
		var err error
		grants, err = tx.ListGrants(ctx, store.GrantFilter{ChildID: f.child.ID})
		return err
	}))
	assert.Len(t, grants, 2)
}

func TestApprove_RequiresParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := testutil.CreatePlan(t, f.st, f.child.ID, testutil.Today, testutil.Task("math", 30, true))
	task := f.completedTask(t, plan, 0, nil)

	_, err := f.svc.Approve(ctx, task.ID, f.child.ID)
	assert.ErrorIs(t, err, common.ErrForbidden)
	_, err = f.svc.Approve(ctx, task.ID, 4242)
	assert.ErrorIs(t, err, common.ErrForbidden)

	got, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestTransitions_InvalidFromState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := testutil.CreatePlan(t, f.st, f.child.ID, testutil.Today, testutil.Task("math", 30, true))
	id := plan.Tasks[0].ID

	_, err := f.svc.Complete(ctx, id, nil)
	assert.ErrorIs(t, err, common.ErrInvalidState)
	_, err = f.svc.Approve(ctx, id, f.parent.ID)
	assert.ErrorIs(t, err, common.ErrInvalidState)
	_, err = f.svc.Reject(ctx, id)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	_, err = f.svc.Start(ctx, id)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, id)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	_, err = f.svc.Start(ctx, 9999)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestReject_ThenRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.CreateRule(t, f.st, domain.TriggerTaskCompleted, "", 15)
	plan := testutil.CreatePlan(t, f.st, f.child.ID, testutil.Today, testutil.Task("math", 30, true))

	ten := 10
	task := f.completedTask(t, plan, 0, &ten)
	rejected, err := f.svc.Reject(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	assert.Equal(t, 0, testutil.Wallet(t, f.st, f.child.ID).Balance)

	restarted, err := f.svc.Start(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, restarted.Status)
	assert.Nil(t, restarted.ActualMinutes)
	assert.Nil(t, restarted.CompletedAt)

	f.clock.Advance(25 * time.Minute)
	done, err := f.svc.Complete(ctx, task.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, done.ActualMinutes)
	assert.Equal(t, 25, *done.ActualMinutes)

	res, err := f.svc.Approve(ctx, task.ID, f.parent.ID)
	require.NoError(t, err)
	assert.Len(t, res.Grants, 1)
}

func TestUpdateDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := testutil.CreatePlan(t, f.st, f.child.ID, testutil.Today, testutil.Task("math", 30, true))
	id := plan.Tasks[0].ID

	subject, est, hw := "  arithmetic ", 45, false
	task, err := f.svc.UpdateDetails(ctx, id, DetailsInput{Subject: &subject, EstimatedMinutes: &est, IsHomework: &hw})
	require.NoError(t, err)
	assert.Equal(t, "arithmetic", task.Subject)
	assert.Equal(t, 45, task.EstimatedMinutes)
	assert.False(t, task.IsHomework)
	assert.Equal(t, domain.StatusPending, task.Status)

	empty := " "
	_, err = f.svc.UpdateDetails(ctx, id, DetailsInput{Subject: &empty})
	assert.ErrorIs(t, err, common.ErrValidation)
	zero := 0
	_, err = f.svc.UpdateDetails(ctx, id, DetailsInput{EstimatedMinutes: &zero})
	assert.ErrorIs(t, err, common.ErrValidation)

	f.completedTask(t, plan, 0, nil)
	_, err = f.svc.Approve(ctx, id, f.parent.ID)
	require.NoError(t, err)
	_, err = f.svc.UpdateDetails(ctx, id, DetailsInput{EstimatedMinutes: &est})
	assert.ErrorIs(t, err, common.ErrInvalidState)
}

func TestPendingAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := testutil.CreatePlan(t, f.st, f.child.ID, testutil.Today,
		testutil.Task("math", 30, true),
		testutil.Task("kanji", 30, true),
	)
	f.completedTask(t, plan, 1, nil)

	pending, err := f.svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, plan.Tasks[1].ID, pending[0].ID)

	today := testutil.Today
	all, err := f.svc.List(ctx, ListInput{ChildID: f.child.ID, Date: &today})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bogus := domain.TaskStatus("done")
	_, err = f.svc.List(ctx, ListInput{Status: &bogus})
	assert.ErrorIs(t, err, common.ErrValidation)
}

// stallingNotifier holds RewardsGranted until release is closed.
type stallingNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (n *stallingNotifier) TaskCompleted(context.Context, *domain.Task) {}

func (n *stallingNotifier) RewardsGranted(context.Context, *domain.Task, []*domain.Grant) {
	close(n.entered)
	<-n.release
}

func TestApprove_NotifierRunsOutsideChildLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.CreateRule(t, f.st, domain.TriggerTaskCompleted, "", 15)
	plan := testutil.CreatePlan(t, f.st, f.child.ID, testutil.Today, testutil.Task("math", 30, true))
	task := f.completedTask(t, plan, 0, nil)

	stall := &stallingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	f.svc.SetNotifier(stall)

	approved := make(chan error, 1)
	go func() {
		_, err := f.svc.Approve(ctx, task.ID, f.parent.ID)
		approved <- err
	}()

	select {
	case <-stall.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("notifier was never called")
	}

	consumed := make(chan error, 1)
	go func() {
		_, err := f.ledger.Consume(ctx, f.child.ID, wallet.ConsumeInput{Minutes: 5, ActivityType: domain.ActivityTablet})
		consumed <- err
	}()

	select {
	case err := <-consumed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(stall.release)
		t.Fatal("consume waited for the approval notifier")
	}

	close(stall.release)
	require.NoError(t, <-approved)
	assert.Equal(t, 10, testutil.Wallet(t, f.st, f.child.ID).Balance)
}

func TestApprove_CreatesMissingWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.CreateRule(t, f.st, domain.TriggerTaskCompleted, "", 15)

	// Registered without the family service, so no wallet row exists.
	child := &domain.User{Name: "Sora", Role: domain.RoleChild}
	require.NoError(t, f.st.Update(ctx, func(tx store.Tx) error {
		return tx.CreateUser(ctx, child)
	}))
	plan := testutil.CreatePlan(t, f.st, child.ID, testutil.Today, testutil.Task("science", 20, true))
	task := f.completedTask(t, plan, 0, nil)

	res, err := f.svc.Approve(ctx, task.ID, f.parent.ID)
	require.NoError(t, err)
	require.Len(t, res.Grants, 1)

	w := testutil.Wallet(t, f.st, child.ID)
	assert.Equal(t, 15, w.Balance)
	assert.Equal(t, 90, w.DailyLimit)
	assert.False(t, w.CarryOver)
}
