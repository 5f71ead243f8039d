// Package family: models.go describes registration and login inputs.
package family

import (
	"fmt"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
)

var errInvalidPIN = fmt.Errorf("invalid PIN: %w", common.ErrValidation)

// RegisterInput is the body of POST /api/auth/register.
type RegisterInput struct {
	Name string      `json:"name"`
	Role domain.Role `json:"role"`
	PIN  string      `json:"pin"` // optional
}

// LoginInput is the body of POST /api/auth/login.
type LoginInput struct {
	UserID int64  `json:"user_id"`
	PIN    string `json:"pin"`
}

// Options are the wallet defaults given to registered children.
type Options struct {
	DefaultDailyLimit int
	DefaultCarryOver  bool
}
