// Package rules is the reward rule registry: CRUD over reward rules plus
// the default catalog. Every write validates that the trigger condition
// matches the trigger type.
package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/store"
)

const maxDescriptionLen = 200

// Service manages reward rules.
type Service struct {
	store store.Store
	clock common.Clock

	seedMu sync.Mutex
}

func NewService(st store.Store, clock common.Clock) *Service {
	return &Service{store: st, clock: clock}
}

// List returns rules in creation order, which is also evaluation order.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*domain.Rule, error) {
	var rules []*domain.Rule
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		rules, err = tx.ListRules(ctx, activeOnly)
		return err
	})
	return rules, err
}

func (s *Service) Get(ctx context.Context, id int64) (*domain.Rule, error) {
	var rule *domain.Rule
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		rule, err = tx.GetRule(ctx, id)
		return err
	})
	return rule, err
}

// Create validates and stores a new rule.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Rule, error) {
	rule, err := s.build(in)
	if err != nil {
		return nil, err
	}
	err = s.store.Update(ctx, func(tx store.Tx) error {
		return tx.CreateRule(ctx, rule)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"rule_id": rule.ID,
		"trigger": rule.TriggerType,
		"minutes": rule.RewardMinutes,
	}).Info("Reward rule created")
	return rule, nil
}

func (s *Service) build(in CreateInput) (*domain.Rule, error) {
	if !in.TriggerType.Valid() {
		return nil, fmt.Errorf("unknown trigger type %q: %w", in.TriggerType, common.ErrValidation)
	}
	raw, err := normalizeCondition(in.TriggerType, in.TriggerCondition)
	if err != nil {
		return nil, err
	}
	if err := validateMinutes(in.RewardMinutes); err != nil {
		return nil, err
	}
	desc, err := validateDescription(in.Description)
	if err != nil {
		return nil, err
	}

	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	return &domain.Rule{
		TriggerType:   in.TriggerType,
		RawCondition:  raw,
		RewardMinutes: in.RewardMinutes,
		Description:   desc,
		IsActive:      active,
		CreatedAt:     s.clock.Now(),
	}, nil
}

// Update applies a partial update. The resulting rule is validated as a
// whole, so e.g. changing only the trigger type to streak fails without a
// condition.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (*domain.Rule, error) {
	var rule *domain.Rule
	err := s.store.Update(ctx, func(tx store.Tx) error {
		var err error
		rule, err = tx.GetRule(ctx, id)
		if err != nil {
			return err
		}

		trigger := rule.TriggerType
		raw := rule.RawCondition
		if in.TriggerType != nil && *in.TriggerType != trigger {
			trigger = *in.TriggerType
			raw = nil
		}
		if in.TriggerCondition != nil {
			raw = in.TriggerCondition
		}
		if !trigger.Valid() {
			return fmt.Errorf("unknown trigger type %q: %w", trigger, common.ErrValidation)
		}
		if raw, err = normalizeCondition(trigger, raw); err != nil {
			return err
		}
		rule.TriggerType = trigger
		rule.RawCondition = raw

		if in.RewardMinutes != nil {
			if err := validateMinutes(*in.RewardMinutes); err != nil {
				return err
			}
			rule.RewardMinutes = *in.RewardMinutes
		}
		if in.Description != nil {
			if rule.Description, err = validateDescription(*in.Description); err != nil {
				return err
			}
		}
		if in.IsActive != nil {
			rule.IsActive = *in.IsActive
		}
		return tx.UpdateRule(ctx, rule)
	})
	if err != nil {
		return nil, err
	}

	log.WithField("rule_id", id).Info("Reward rule updated")
	return rule, nil
}

// SetActive toggles a rule without touching its other fields.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) (*domain.Rule, error) {
	var rule *domain.Rule
	err := s.store.Update(ctx, func(tx store.Tx) error {
		var err error
		rule, err = tx.GetRule(ctx, id)
		if err != nil {
			return err
		}
		rule.IsActive = active
		return tx.UpdateRule(ctx, rule)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"rule_id": id, "active": active}).Info("Reward rule toggled")
	return rule, nil
}

// Delete removes a rule. Grants it produced stay in the ledger.
func (s *Service) Delete(ctx context.Context, id int64) error {
	err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.DeleteRule(ctx, id)
	})
	if err != nil {
		return err
	}
	log.WithField("rule_id", id).Info("Reward rule deleted")
	return nil
}

// SeedDefaults installs DefaultCatalog when the registry is empty and
// returns the rules it created. Calling it again is a no-op.
func (s *Service) SeedDefaults(ctx context.Context) ([]*domain.Rule, error) {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()

	catalog := DefaultCatalog()
	created := make([]*domain.Rule, 0, len(catalog))
	for _, in := range catalog {
		rule, err := s.build(in)
		if err != nil {
			return nil, fmt.Errorf("default rule %s: %w", in.TriggerType, err)
		}
		created = append(created, rule)
	}

	err := s.store.Update(ctx, func(tx store.Tx) error {
		n, err := tx.CountRules(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			created = created[:0]
			return nil
		}
		for _, rule := range created {
			if err := tx.CreateRule(ctx, rule); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(created) > 0 {
		log.WithField("count", len(created)).Info("Default reward rules seeded")
	}
	return created, nil
}

// normalizeCondition validates raw against trigger and returns it in
// canonical form (nil for triggers without a condition).
func normalizeCondition(trigger domain.TriggerType, raw []byte) ([]byte, error) {
	cond, err := domain.ParseCondition(trigger, raw)
	if err != nil {
		return nil, err
	}
	return domain.EncodeCondition(cond)
}

func validateMinutes(m int) error {
	if m <= 0 {
		return fmt.Errorf("reward minutes must be > 0, got %d: %w", m, common.ErrValidation)
	}
	return nil
}

func validateDescription(d string) (string, error) {
	d = strings.TrimSpace(d)
	if len([]rune(d)) > maxDescriptionLen {
		return "", fmt.Errorf("description longer than %d characters: %w", maxDescriptionLen, common.ErrValidation)
	}
	return d, nil
}
