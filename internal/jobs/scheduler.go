// Package jobs runs the background cron tasks: the midnight carry-over
// rollover and the evening digest of tasks waiting for approval.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/features/wallet"
)

// RolloverSpec runs right after local midnight.
const RolloverSpec = "0 0 * * *"

// Roller expires unused balances at the end of a day.
type Roller interface {
	Rollover(ctx context.Context, day time.Time) ([]wallet.RolloverResult, error)
}

// Digester posts the pending-approval digest. The Telegram bot implements it.
type Digester interface {
	SendPendingDigest(ctx context.Context) error
}

// Scheduler manages background jobs.
type Scheduler struct {
	cron       *cron.Cron
	clock      common.Clock
	roller     Roller
	digester   Digester
	digestSpec string
}

// NewScheduler creates a scheduler in the household timezone. digester
// may be nil when the bot is off.
func NewScheduler(loc *time.Location, clock common.Clock, roller Roller, digester Digester, digestSpec string) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithLocation(loc)),
		clock:      clock,
		roller:     roller,
		digester:   digester,
		digestSpec: digestSpec,
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(RolloverSpec, func() {
		log.Info("[CRON] Daily rollover")
		if err := s.RunRollover(ctx); err != nil {
			log.WithError(err).Error("[CRON] Rollover failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule rollover: %w", err)
	}

	if s.digester != nil {
		if _, err := s.cron.AddFunc(s.digestSpec, func() {
			log.Debug("[CRON] Pending approval digest")
			if err := s.digester.SendPendingDigest(ctx); err != nil {
				log.WithError(err).Error("[CRON] Digest failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule digest %q: %w", s.digestSpec, err)
		}
	}

	s.cron.Start()
	log.WithField("entries", len(s.cron.Entries())).Info("Job scheduler started")
	return nil
}

// RunRollover expires balances of the day that just ended.
func (s *Scheduler) RunRollover(ctx context.Context) error {
	day := s.clock.Today().AddDate(0, 0, -1)
	results, err := s.roller.Rollover(ctx, day)
	for _, r := range results {
		log.WithFields(log.Fields{
			"child_id": r.ChildID,
			"minutes":  r.Expired,
			"day":      common.FormatDate(day),
		}).Info("Unused balance expired")
	}
	return err
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Job scheduler stopped")
}
