// Package family manages the members of the household: parents, who
// author plans and approve tasks, and children, who own wallets.
package family

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/store"
)

const maxNameLen = 50

// Service manages family members.
type Service struct {
	store store.Store
	clock common.Clock
	opts  Options
}

func NewService(st store.Store, clock common.Clock, opts Options) *Service {
	return &Service{store: st, clock: clock, opts: opts}
}

// Register adds a member. A child gets a wallet in the same transaction.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", common.ErrValidation)
	}
	if len([]rune(name)) > maxNameLen {
		return nil, fmt.Errorf("name longer than %d characters: %w", maxNameLen, common.ErrValidation)
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q: %w", in.Role, common.ErrValidation)
	}

	user := &domain.User{Name: name, Role: in.Role, CreatedAt: s.clock.Now()}
	if in.PIN != "" {
		if err := ValidatePIN(in.PIN); err != nil {
			return nil, err
		}
		hash, err := HashPIN(in.PIN)
		if err != nil {
			return nil, err
		}
		user.PinHash = hash
	}

	err := s.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}
		if user.Role != domain.RoleChild {
			return nil
		}
		return tx.EnsureWallet(ctx, user.ID, s.opts.DefaultDailyLimit, s.opts.DefaultCarryOver)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"user_id": user.ID,
		"role":    user.Role,
		"pin":     user.HasPin,
	}).Info("Family member registered")
	return user, nil
}

// Login checks the PIN of userID when one is set.
func (s *Service) Login(ctx context.Context, in LoginInput) (*domain.User, error) {
	user, err := s.Get(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if user.PinHash != "" && !VerifyPIN(in.PIN, user.PinHash) {
		log.WithField("user_id", in.UserID).Warn("Login with wrong PIN")
		return nil, fmt.Errorf("wrong PIN for user %d: %w", in.UserID, common.ErrUnauthorized)
	}
	return user, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*domain.User, error) {
	var user *domain.User
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		user, err = tx.GetUser(ctx, id)
		return err
	})
	return user, err
}

// List returns members, optionally of one role, in registration order.
func (s *Service) List(ctx context.Context, role *domain.Role) ([]*domain.User, error) {
	if role != nil && !role.Valid() {
		return nil, fmt.Errorf("unknown role %q: %w", *role, common.ErrValidation)
	}
	var users []*domain.User
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		users, err = tx.ListUsers(ctx, role)
		return err
	})
	if users == nil && err == nil {
		users = []*domain.User{}
	}
	return users, err
}

func (s *Service) Children(ctx context.Context) ([]*domain.User, error) {
	role := domain.RoleChild
	return s.List(ctx, &role)
}
