// Package dashboard composes read-only projections for the child and
// parent home screens. Every projection is read inside one snapshot, so it
// never shows an approved task without the grants it produced.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/features/wallet"
	"serotonyl.ru/s2a/internal/store"
)

// Service builds dashboards.
type Service struct {
	store             store.Store
	clock             common.Clock
	defaultDailyLimit int
}

// NewService returns a dashboard service. defaultDailyLimit is shown for
// children whose wallet does not exist yet.
func NewService(st store.Store, clock common.Clock, defaultDailyLimit int) *Service {
	return &Service{store: st, clock: clock, defaultDailyLimit: defaultDailyLimit}
}

// Child returns today's dashboard of childID. A missing plan or wallet
// yields empty values, not an error.
func (s *Service) Child(ctx context.Context, childID int64) (*ChildDashboard, error) {
	now := s.clock.Now()
	today := common.DateOf(now)

	var d *ChildDashboard
	err := s.store.View(ctx, func(tx store.Tx) error {
		user, err := tx.GetUser(ctx, childID)
		if err != nil {
			return err
		}
		if user.Role != domain.RoleChild {
			return fmt.Errorf("user %d is not a child: %w", childID, common.ErrNotFound)
		}

		plans, err := tx.ListPlans(ctx, store.PlanFilter{ChildID: childID, PlanDate: &today})
		if err != nil {
			return err
		}
		summary, err := s.summary(ctx, tx, childID, now)
		if err != nil {
			return err
		}

		d = &ChildDashboard{
			User:          user,
			TodayTasks:    []*domain.Task{},
			WalletBalance: summary.Balance,
			DailyLimit:    summary.DailyLimit,
			TodayEarned:   summary.TodayEarned,
			TodayConsumed: summary.TodayConsumed,
			Wallet:        summary,
			StatusCounts:  make(map[domain.TaskStatus]int, len(domain.TaskStatuses)),
		}
		for _, st := range domain.TaskStatuses {
			d.StatusCounts[st] = 0
		}
		// Oldest plan first, matching the order it was authored in.
		for i := len(plans) - 1; i >= 0; i-- {
			if d.TodayPlan == nil {
				d.TodayPlan = plans[i]
			}
			d.TodayTasks = append(d.TodayTasks, plans[i].Tasks...)
		}
		for _, t := range d.TodayTasks {
			d.StatusCounts[t.Status]++
		}
		d.PendingTasks = d.StatusCounts[domain.StatusPending] + d.StatusCounts[domain.StatusInProgress]
		d.CompletedTasks = d.StatusCounts[domain.StatusCompleted]
		d.ApprovedTasks = d.StatusCounts[domain.StatusApproved]
		d.RejectedTasks = d.StatusCounts[domain.StatusRejected]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Parent returns every child's pending approvals, today's plans across
// children, the active rules and each child's wallet.
func (s *Service) Parent(ctx context.Context) (*ParentDashboard, error) {
	now := s.clock.Now()
	today := common.DateOf(now)
	completed := domain.StatusCompleted
	childRole := domain.RoleChild

	d := &ParentDashboard{
		Children:         []*domain.User{},
		PendingApprovals: []*domain.Task{},
		TodayPlans:       []*domain.Plan{},
		ActiveRules:      []*domain.Rule{},
		Wallets:          []*wallet.Summary{},
	}
	err := s.store.View(ctx, func(tx store.Tx) error {
		children, err := tx.ListUsers(ctx, &childRole)
		if err != nil {
			return err
		}
		pending, err := tx.ListTasks(ctx, store.TaskFilter{Status: &completed})
		if err != nil {
			return err
		}
		plans, err := tx.ListPlans(ctx, store.PlanFilter{PlanDate: &today})
		if err != nil {
			return err
		}
		rules, err := tx.ListRules(ctx, true)
		if err != nil {
			return err
		}

		d.Children = append(d.Children, children...)
		d.PendingApprovals = append(d.PendingApprovals, pending...)
		d.TodayPlans = append(d.TodayPlans, plans...)
		d.ActiveRules = append(d.ActiveRules, rules...)
		for _, c := range children {
			sum, err := s.summary(ctx, tx, c.ID, now)
			if err != nil {
				return err
			}
			d.Wallets = append(d.Wallets, sum)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// summary reads the wallet summary, substituting an empty wallet when the
// child has none.
func (s *Service) summary(ctx context.Context, tx store.Tx, childID int64, now time.Time) (*wallet.Summary, error) {
	sum, err := wallet.Summarize(ctx, tx, childID, now)
	if errors.Is(err, common.ErrNotFound) {
		empty := &wallet.Summary{ChildID: childID, DailyLimit: s.defaultDailyLimit}
		if limit := s.defaultDailyLimit; limit > 0 {
			empty.TodayRemaining = &limit
		}
		return empty, nil
	}
	return sum, err
}
