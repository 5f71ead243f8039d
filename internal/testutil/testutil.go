// Package testutil builds fixtures for service tests: a SQLite store in a
// temp dir, a frozen clock and a small family.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/db/sqlite"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/store"
)

// Now is the default frozen instant: 2024-05-01 16:00 JST.
var Now = time.Date(2024, 5, 1, 16, 0, 0, 0, time.FixedZone("JST", 9*60*60))

// Today is the calendar day of Now.
var Today = common.DateOf(Now)

func init() {
	log.SetLevel(log.WarnLevel)
}

// NewStore opens a migrated SQLite store that is closed with the test.
func NewStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "s2a.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// NewClock returns a manual clock frozen at Now.
func NewClock() *common.ManualClock {
	return common.NewManualClock(Now)
}

// CreateUser inserts a user; children get a wallet with the given defaults.
func CreateUser(t *testing.T, st store.Store, name string, role domain.Role) *domain.User {
	t.Helper()
	ctx := context.Background()
	u := &domain.User{Name: name, Role: role}
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, u); err != nil {
			return err
		}
		if role == domain.RoleChild {
			return tx.EnsureWallet(ctx, u.ID, 120, false)
		}
		return nil
	}))
	return u
}

// CreatePlan inserts a plan for child on day with the given tasks.
func CreatePlan(t *testing.T, st store.Store, childID int64, day time.Time, tasks ...*domain.Task) *domain.Plan {
	t.Helper()
	ctx := context.Background()
	p := &domain.Plan{ChildID: childID, PlanDate: day, Title: common.FormatDate(day), Tasks: tasks}
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.CreatePlan(ctx, p)
	}))
	return p
}

// Task builds an unsaved task.
func Task(subject string, estimated int, homework bool) *domain.Task {
	return &domain.Task{Subject: subject, EstimatedMinutes: estimated, IsHomework: homework}
}

// CreateRule inserts a rule with a raw condition, bypassing validation.
func CreateRule(t *testing.T, st store.Store, trigger domain.TriggerType, cond string, minutes int) *domain.Rule {
	t.Helper()
	ctx := context.Background()
	r := &domain.Rule{TriggerType: trigger, RewardMinutes: minutes, IsActive: true, Description: string(trigger)}
	if cond != "" {
		r.RawCondition = []byte(cond)
	}
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.CreateRule(ctx, r)
	}))
	return r
}

// Wallet reads a child's wallet.
func Wallet(t *testing.T, st store.Store, childID int64) *domain.Wallet {
	t.Helper()
	ctx := context.Background()
	var w *domain.Wallet
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		var err error
		w, err = tx.GetWallet(ctx, childID, false)
		return err
	}))
	return w
}
