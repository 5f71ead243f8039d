// Package rewards is the reward engine. It runs inside the unit of work of
// a task approval, evaluates every active rule for the child and credits
// the wallet for each satisfied rule not yet granted on the evaluation
// date.
package rewards

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/metrics"
	"serotonyl.ru/s2a/internal/store"
)

// Granter credits a grant inside the caller's unit of work.
// *wallet.Service implements it.
type Granter interface {
	// LockWallet creates the child's wallet when missing and locks its row
	// until the unit ends.
	LockWallet(ctx context.Context, tx store.Tx, childID int64) (*domain.Wallet, error)
	Grant(ctx context.Context, tx store.Tx, rule *domain.Rule, childID int64, date time.Time) (*domain.Grant, error)
}

// Engine evaluates reward rules.
type Engine struct {
	granter Granter
}

func NewEngine(granter Granter) *Engine {
	return &Engine{granter: granter}
}

// LockWallet prepares the wallet that grants of childID will credit. Call
// it before Evaluate, after locking the rows that precede the wallet in
// the lock order.
func (e *Engine) LockWallet(ctx context.Context, tx store.Tx, childID int64) error {
	_, err := e.granter.LockWallet(ctx, tx, childID)
	return err
}

// Evaluate runs every active rule in creation order for childID on date
// and returns the grants it wrote, in the same order.
//
// trigger is the task whose approval caused the evaluation (nil when
// re-evaluating without one). Each rule runs in its own savepoint: a rule
// that fails is logged and skipped and never undoes the approval or other
// rules' grants. Only ErrConcurrencyConflict and context cancellation are
// returned, so the caller can retry the whole unit.
func (e *Engine) Evaluate(ctx context.Context, tx store.Tx, childID int64, date time.Time, trigger *domain.Task) ([]*domain.Grant, error) {
	fields := log.Fields{
		"child_id": childID,
		"date":     common.FormatDate(date),
	}

	var (
		rules []*domain.Rule
		day   *dayState
	)
	err := tx.Savepoint(ctx, func(sp store.Tx) error {
		var err error
		if rules, err = sp.ListRules(ctx, true); err != nil {
			return err
		}
		day, err = loadDay(ctx, sp, childID, date, trigger)
		return err
	})
	if err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		metrics.RuleEvaluationFailures.Inc()
		log.WithFields(fields).WithError(err).Warn("Reward evaluation skipped")
		return nil, nil
	}

	grants := make([]*domain.Grant, 0, len(rules))
	for _, rule := range rules {
		var g *domain.Grant
		err := tx.Savepoint(ctx, func(sp store.Tx) error {
			var err error
			g, err = e.evaluateRule(ctx, sp, rule, day)
			return err
		})
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			metrics.RuleEvaluationFailures.Inc()
			log.WithFields(fields).WithFields(log.Fields{
				"rule_id": rule.ID,
				"trigger": rule.TriggerType,
			}).WithError(err).Warn("Reward rule skipped")
			continue
		}
		if g == nil {
			continue
		}

		grants = append(grants, g)
		log.WithFields(fields).WithFields(log.Fields{
			"rule_id": rule.ID,
			"trigger": rule.TriggerType,
			"minutes": g.GrantedMinutes,
		}).Info("Reward granted")
	}
	return grants, nil
}

// evaluateRule returns the grant written for rule, or nil when the rule is
// already granted for the day or not satisfied.
func (e *Engine) evaluateRule(ctx context.Context, tx store.Tx, rule *domain.Rule, day *dayState) (*domain.Grant, error) {
	exists, err := tx.GrantExists(ctx, rule.ID, day.childID, day.date)
	if err != nil || exists {
		return nil, err
	}

	cond, err := rule.Condition()
	if err != nil {
		return nil, err
	}
	ok, err := day.satisfies(ctx, tx, rule.TriggerType, cond)
	if err != nil || !ok {
		return nil, err
	}
	return e.granter.Grant(ctx, tx, rule, day.childID, day.date)
}

// fatal reports errors that must abort the enclosing unit.
func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, common.ErrConcurrencyConflict) || ctx.Err() != nil
}
