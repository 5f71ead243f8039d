// Package wallet is the activity-time ledger of each child: the balance,
// the append-only activity log and reward grants.
//
// Every write for a child runs under that child's lock and inside one
// unit of work that locks the wallet row, so check-and-decrement never
// loses an update and the balance always equals the sum of ledger deltas.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/metrics"
	"serotonyl.ru/s2a/internal/store"
)

const (
	maxReasonLen = 200
	maxKeyLen    = 100

	defaultPageSize = 50
	maxPageSize     = 500
)

// ConsumableTypes are the activity types counted against the daily limit.
var ConsumableTypes = []domain.ActivityType{
	domain.ActivitySwitch,
	domain.ActivityTablet,
	domain.ActivityOther,
}

// Service manages wallets.
type Service struct {
	store store.Store
	clock common.Clock
	locks *common.ChildLocks
	opts  Options
}

func NewService(st store.Store, clock common.Clock, locks *common.ChildLocks, opts Options) *Service {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 1
	}
	return &Service{store: st, clock: clock, locks: locks, opts: opts}
}

// Defaults returns the settings given to new wallets.
func (s *Service) Defaults() (dailyLimit int, carryOver bool) {
	return s.opts.DefaultDailyLimit, s.opts.DefaultCarryOver
}

// ============================================================================
// Reads
// ============================================================================

// Get returns the wallet with today's earned and consumed totals.
func (s *Service) Get(ctx context.Context, childID int64) (*Summary, error) {
	var sum *Summary
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		sum, err = Summarize(ctx, tx, childID, s.clock.Now())
		return err
	})
	return sum, err
}

// Summarize builds the wallet summary of childID for the day containing
// now. It runs inside the caller's unit so that dashboards read it from
// the same snapshot as the tasks.
func Summarize(ctx context.Context, tx store.Tx, childID int64, now time.Time) (*Summary, error) {
	w, err := tx.GetWallet(ctx, childID, false)
	if err != nil {
		return nil, err
	}
	earned, err := EarnedOn(ctx, tx, childID, common.DateOf(now))
	if err != nil {
		return nil, err
	}
	consumed, err := ConsumedOn(ctx, tx, childID, now)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		ChildID:       w.ChildID,
		Balance:       w.Balance,
		DailyLimit:    w.DailyLimit,
		CarryOver:     w.CarryOver,
		TodayEarned:   earned,
		TodayConsumed: consumed,
	}
	if w.DailyLimit > 0 {
		left := max(w.DailyLimit-consumed, 0)
		sum.TodayRemaining = &left
	}
	return sum, nil
}

// EarnedOn sums the grants of childID dated day.
func EarnedOn(ctx context.Context, tx store.Tx, childID int64, day time.Time) (int, error) {
	grants, err := tx.ListGrants(ctx, store.GrantFilter{ChildID: childID, GrantedDate: &day})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, g := range grants {
		total += g.GrantedMinutes
	}
	return total, nil
}

// ConsumedOn sums the consumption of childID during the local day
// containing now.
func ConsumedOn(ctx context.Context, tx store.Tx, childID int64, now time.Time) (int, error) {
	from, to := common.DayBounds(now)
	return tx.SumConsumed(ctx, childID, from, to, ConsumableTypes)
}

// Logs returns activity entries newest first.
func (s *Service) Logs(ctx context.Context, childID int64, limit int) ([]*domain.ActivityLog, error) {
	var logs []*domain.ActivityLog
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetWallet(ctx, childID, false); err != nil {
			return err
		}
		var err error
		logs, err = tx.ListActivity(ctx, store.ActivityFilter{ChildID: childID, Limit: pageSize(limit)})
		return err
	})
	return logs, err
}

// Grants returns reward grants newest first, optionally for one day.
func (s *Service) Grants(ctx context.Context, childID int64, day *time.Time, limit int) ([]*domain.Grant, error) {
	var grants []*domain.Grant
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetWallet(ctx, childID, false); err != nil {
			return err
		}
		var err error
		grants, err = tx.ListGrants(ctx, store.GrantFilter{ChildID: childID, GrantedDate: day, Limit: pageSize(limit)})
		return err
	})
	return grants, err
}

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}

// ============================================================================
// Writes
// ============================================================================

// UpdateSettings changes the daily limit and/or carry-over flag.
func (s *Service) UpdateSettings(ctx context.Context, childID int64, in SettingsInput) (*domain.Wallet, error) {
	if in.DailyLimit != nil && *in.DailyLimit < 0 {
		return nil, fmt.Errorf("daily limit must be >= 0, got %d: %w", *in.DailyLimit, common.ErrValidation)
	}

	unlock := s.locks.Lock(childID)
	defer unlock()

	var w *domain.Wallet
	err := s.store.Update(ctx, func(tx store.Tx) error {
		var err error
		w, err = tx.GetWallet(ctx, childID, true)
		if err != nil {
			return err
		}
		if in.DailyLimit != nil {
			w.DailyLimit = *in.DailyLimit
		}
		if in.CarryOver != nil {
			w.CarryOver = *in.CarryOver
		}
		return tx.UpdateWalletSettings(ctx, w)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"child_id":    childID,
		"daily_limit": w.DailyLimit,
		"carry_over":  w.CarryOver,
	}).Info("Wallet settings updated")
	return w, nil
}

// Adjust applies a manual delta. It is always permitted, including when it
// drives the balance negative.
func (s *Service) Adjust(ctx context.Context, childID int64, in AdjustInput) (*Entry, error) {
	if in.Minutes == 0 {
		return nil, fmt.Errorf("adjustment must not be zero: %w", common.ErrValidation)
	}
	reason, err := validateText(in.Reason)
	if err != nil {
		return nil, err
	}
	key, err := idempotencyKey(in.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	entry, err := s.write(ctx, childID, &domain.ActivityLog{
		ChildID:         childID,
		ActivityType:    domain.ActivityAdjust,
		Description:     reason,
		ConsumedMinutes: -in.Minutes,
		Source:          domain.SourceManual,
		IdempotencyKey:  key,
	}, nil)
	if err != nil {
		return nil, err
	}

	if !entry.Replayed {
		log.WithFields(log.Fields{
			"child_id": childID,
			"minutes":  in.Minutes,
			"balance":  entry.Balance,
		}).Info("Wallet adjusted")
	}
	return entry, nil
}

// Consume debits spent activity time. It fails with ErrInsufficientBalance
// when the balance would drop below zero and with ErrDailyLimitExceeded
// when today's consumption would pass the daily limit; the balance is
// unchanged in both cases.
func (s *Service) Consume(ctx context.Context, childID int64, in ConsumeInput) (*Entry, error) {
	if in.Minutes == 0 {
		in.Minutes = in.ConsumedMinutes
	}
	if in.ActivityType == "" {
		in.ActivityType = domain.ActivityOther
	}
	if in.Minutes <= 0 {
		return nil, fmt.Errorf("consumed minutes must be > 0, got %d: %w", in.Minutes, common.ErrValidation)
	}
	if !in.ActivityType.Consumable() {
		return nil, fmt.Errorf("unknown activity type %q: %w", in.ActivityType, common.ErrValidation)
	}
	desc, err := validateText(in.Description)
	if err != nil {
		return nil, err
	}
	key, err := idempotencyKey(in.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	check := func(ctx context.Context, tx store.Tx, w *domain.Wallet, now time.Time) error {
		if w.Balance-in.Minutes < 0 {
			return fmt.Errorf("child %d: cannot consume %d minutes with balance %d: %w",
				childID, in.Minutes, w.Balance, common.ErrInsufficientBalance)
		}
		if w.DailyLimit <= 0 {
			return nil
		}
		used, err := ConsumedOn(ctx, tx, childID, now)
		if err != nil {
			return err
		}
		if used+in.Minutes > w.DailyLimit {
			return fmt.Errorf("child %d: consuming %d minutes exceeds daily limit %d (%d used): %w",
				childID, in.Minutes, w.DailyLimit, used, common.ErrDailyLimitExceeded)
		}
		return nil
	}

	entry, err := s.write(ctx, childID, &domain.ActivityLog{
		ChildID:         childID,
		ActivityType:    in.ActivityType,
		Description:     desc,
		ConsumedMinutes: in.Minutes,
		Source:          domain.SourceSystem,
		IdempotencyKey:  key,
	}, check)
	if err != nil {
		return nil, err
	}

	if !entry.Replayed {
		metrics.ConsumedMinutes.Add(float64(in.Minutes))
		log.WithFields(log.Fields{
			"child_id": childID,
			"minutes":  in.Minutes,
			"activity": in.ActivityType,
			"balance":  entry.Balance,
		}).Info("Activity time consumed")
	}
	return entry, nil
}

type precheck func(ctx context.Context, tx store.Tx, w *domain.Wallet, now time.Time) error

// write appends entry and applies its delta in one unit, under the child
// lock and the wallet row lock. A key that was already used returns the
// original entry unchanged.
func (s *Service) write(ctx context.Context, childID int64, entry *domain.ActivityLog, check precheck) (*Entry, error) {
	unlock := s.locks.Lock(childID)
	defer unlock()

	return common.RetryOnConflict(ctx, s.opts.MaxRetries, metrics.OnConflictRetry, func() (*Entry, error) {
		var out *Entry
		err := s.store.Update(ctx, func(tx store.Tx) error {
			w, err := tx.GetWallet(ctx, childID, true)
			if err != nil {
				return err
			}

			prev, err := tx.FindActivityByKey(ctx, childID, entry.IdempotencyKey)
			switch {
			case err == nil:
				if prev.ActivityType != entry.ActivityType || prev.ConsumedMinutes != entry.ConsumedMinutes {
					return fmt.Errorf("idempotency key %q was used for a different request: %w",
						entry.IdempotencyKey, common.ErrValidation)
				}
				out = &Entry{Log: prev, Balance: w.Balance, Replayed: true}
				return nil
			case !errors.Is(err, common.ErrNotFound):
				return err
			}

			now := s.clock.Now()
			if check != nil {
				if err := check(ctx, tx, w, now); err != nil {
					return err
				}
			}

			l := *entry
			l.CreatedAt = now
			if err := tx.InsertActivity(ctx, &l); err != nil {
				return err
			}
			balance, err := tx.AddToBalance(ctx, childID, l.Delta())
			if err != nil {
				return err
			}
			out = &Entry{Log: &l, Balance: balance}
			return nil
		})
		return out, err
	})
}

// LockWallet creates the wallet of childID with the default settings when
// missing and takes its row lock.
func (s *Service) LockWallet(ctx context.Context, tx store.Tx, childID int64) (*domain.Wallet, error) {
	if err := tx.EnsureWallet(ctx, childID, s.opts.DefaultDailyLimit, s.opts.DefaultCarryOver); err != nil {
		return nil, err
	}
	return tx.GetWallet(ctx, childID, true)
}

// Grant credits rule.RewardMinutes to childID for date. It must run inside
// the reward engine's unit of work, after the engine checked that no grant
// exists for (rule, child, date). Losing the insert to a concurrent writer
// is reported as ErrConcurrencyConflict so the whole unit is retried.
func (s *Service) Grant(ctx context.Context, tx store.Tx, rule *domain.Rule, childID int64, date time.Time) (*domain.Grant, error) {
	g := &domain.Grant{
		RuleID:         rule.ID,
		ChildID:        childID,
		GrantedDate:    date,
		GrantedMinutes: rule.RewardMinutes,
		Description:    rule.Description,
		CreatedAt:      s.clock.Now(),
		TriggerType:    rule.TriggerType,
	}
	written, err := tx.InsertGrant(ctx, g)
	if err != nil {
		return nil, err
	}
	if !written {
		return nil, fmt.Errorf("grant of rule %d for child %d on %s already written: %w",
			rule.ID, childID, common.FormatDate(date), common.ErrConcurrencyConflict)
	}
	balance, err := tx.AddToBalance(ctx, childID, g.GrantedMinutes)
	if err != nil {
		return nil, err
	}
	g.NewBalance = &balance
	return g, nil
}

// ============================================================================
// Audit and rollover
// ============================================================================

type replayItem struct {
	at    time.Time
	delta int
	grant bool
}

// Audit replays every grant and activity entry of childID from zero in
// timestamp order and compares the result with the stored balance.
func (s *Service) Audit(ctx context.Context, childID int64) (*AuditReport, error) {
	var report *AuditReport
	err := s.store.View(ctx, func(tx store.Tx) error {
		w, err := tx.GetWallet(ctx, childID, false)
		if err != nil {
			return err
		}
		grants, err := tx.ListGrants(ctx, store.GrantFilter{ChildID: childID, Ascending: true})
		if err != nil {
			return err
		}
		logs, err := tx.ListActivity(ctx, store.ActivityFilter{ChildID: childID, Ascending: true})
		if err != nil {
			return err
		}

		items := make([]replayItem, 0, len(grants)+len(logs))
		for _, g := range grants {
			items = append(items, replayItem{at: g.CreatedAt, delta: g.GrantedMinutes, grant: true})
		}
		for _, l := range logs {
			items = append(items, replayItem{at: l.CreatedAt, delta: l.Delta()})
		}
		// Credits first on equal timestamps.
		sort.SliceStable(items, func(i, j int) bool {
			if !items[i].at.Equal(items[j].at) {
				return items[i].at.Before(items[j].at)
			}
			return items[i].grant && !items[j].grant
		})

		running, lowest := 0, 0
		for _, it := range items {
			running += it.delta
			lowest = min(lowest, running)
		}

		report = &AuditReport{
			ChildID:       childID,
			Stored:        w.Balance,
			Replayed:      running,
			Grants:        len(grants),
			Entries:       len(logs),
			Balanced:      running == w.Balance,
			LowestBalance: lowest,
			CheckedAt:     s.clock.Now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !report.Balanced {
		log.WithFields(log.Fields{
			"child_id": childID,
			"stored":   report.Stored,
			"replayed": report.Replayed,
		}).Error("Wallet balance does not match its ledger")
	}
	return report, nil
}

// Rollover expires the unused balance of every wallet without carry-over
// at the end of day. Each expiry is an "expired" system debit keyed by
// the day, so running it twice for the same day changes nothing.
func (s *Service) Rollover(ctx context.Context, day time.Time) ([]RolloverResult, error) {
	var wallets []*domain.Wallet
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		wallets, err = tx.ListWallets(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	key := "rollover:" + common.FormatDate(day)
	var results []RolloverResult
	for _, w := range wallets {
		if w.CarryOver || w.Balance <= 0 {
			continue
		}
		expired, err := s.expire(ctx, w.ChildID, day, key)
		if err != nil {
			return results, fmt.Errorf("rollover of child %d: %w", w.ChildID, err)
		}
		if expired > 0 {
			results = append(results, RolloverResult{ChildID: w.ChildID, Expired: expired})
		}
	}

	log.WithFields(log.Fields{
		"day":     common.FormatDate(day),
		"wallets": len(results),
	}).Info("Daily rollover finished")
	return results, nil
}

func (s *Service) expire(ctx context.Context, childID int64, day time.Time, key string) (int, error) {
	unlock := s.locks.Lock(childID)
	defer unlock()

	return common.RetryOnConflict(ctx, s.opts.MaxRetries, metrics.OnConflictRetry, func() (int, error) {
		expired := 0
		err := s.store.Update(ctx, func(tx store.Tx) error {
			w, err := tx.GetWallet(ctx, childID, true)
			if err != nil {
				return err
			}
			if w.CarryOver || w.Balance <= 0 {
				return nil
			}
			_, err = tx.FindActivityByKey(ctx, childID, key)
			if err == nil {
				return nil
			}
			if !errors.Is(err, common.ErrNotFound) {
				return err
			}

			amount, err := s.balanceAtEndOf(ctx, tx, w, day)
			if err != nil {
				return err
			}
			if amount <= 0 {
				return nil
			}

			l := &domain.ActivityLog{
				ChildID:         childID,
				ActivityType:    domain.ActivityExpired,
				Description:     "Unused time of " + common.FormatDate(day) + " expired",
				ConsumedMinutes: amount,
				Source:          domain.SourceSystem,
				IdempotencyKey:  key,
				CreatedAt:       s.clock.Now(),
			}
			if err := tx.InsertActivity(ctx, l); err != nil {
				return err
			}
			if _, err := tx.AddToBalance(ctx, childID, l.Delta()); err != nil {
				return err
			}
			expired = amount
			return nil
		})
		return expired, err
	})
}

// balanceAtEndOf returns the part of w's balance that was already there
// when day ended in the household timezone. Grants and consumption written
// after midnight belong to the next day and are taken back out; the result
// never exceeds the current balance.
func (s *Service) balanceAtEndOf(ctx context.Context, tx store.Tx, w *domain.Wallet, day time.Time) (int, error) {
	cutoff := time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, s.clock.Now().Location())

	grants, err := tx.ListGrants(ctx, store.GrantFilter{ChildID: w.ChildID, Since: &cutoff})
	if err != nil {
		return 0, err
	}
	logs, err := tx.ListActivity(ctx, store.ActivityFilter{ChildID: w.ChildID, Since: &cutoff})
	if err != nil {
		return 0, err
	}

	later := 0
	for _, g := range grants {
		later += g.GrantedMinutes
	}
	for _, l := range logs {
		later += l.Delta()
	}
	return min(w.Balance-later, w.Balance), nil
}

func validateText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len([]rune(s)) > maxReasonLen {
		return "", fmt.Errorf("text longer than %d characters: %w", maxReasonLen, common.ErrValidation)
	}
	return s, nil
}

// idempotencyKey returns key, or a fresh one when the caller sent none.
func idempotencyKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return uuid.NewString(), nil
	}
	if len(key) > maxKeyLen {
		return "", fmt.Errorf("idempotency key longer than %d bytes: %w", maxKeyLen, common.ErrValidation)
	}
	return key, nil
}
