// Package common: errors.go defines the error taxonomy shared by every
// feature package. Services wrap these sentinels with context
// (entity id, attempted transition, amount) and callers classify them
// with errors.Is.
package common

import "errors"

// Caller errors. Surfaced as is, never retried.
var (
	// ErrValidation: malformed input (bad rule condition, non-positive minutes, ...)
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState: task transition attempted from a non-source state
	ErrInvalidState = errors.New("invalid state transition")
	// ErrNotFound: entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrForbidden: the actor may not perform the operation (e.g. a child approving)
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized: wrong or missing PIN
	ErrUnauthorized = errors.New("unauthorized")
)

// Wallet errors.
var (
	// ErrInsufficientBalance: consume would drive the balance below zero
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDailyLimitExceeded: consume would exceed the wallet's per-day limit
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")
)

// ErrConcurrencyConflict: a lost race on grant uniqueness or a balance row,
// or a serialization failure reported by the database. Retried internally
// by RetryOnConflict and surfaced only when retries run out.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// IsCallerError reports whether err belongs to the taxonomy above and may
// be shown to the user verbatim.
func IsCallerError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrInvalidState, ErrNotFound, ErrForbidden, ErrUnauthorized,
		ErrInsufficientBalance, ErrDailyLimitExceeded, ErrConcurrencyConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
