package common

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

// OnConflictRetry is called before every retry. Used for metrics.
type OnConflictRetry func(attempt int, err error)

// RetryOnConflict runs op until it succeeds, fails with an error other than
// ErrConcurrencyConflict, or maxTries attempts have been made. Only conflicts
// are retried: every other error is returned on first sight.
func RetryOnConflict[T any](ctx context.Context, maxTries uint, onRetry OnConflictRetry, op func() (T, error)) (T, error) {
	if maxTries == 0 {
		maxTries = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return v, backoff.Permanent(err)
		}
		if uint(attempt) < maxTries {
			log.WithFields(log.Fields{
				"attempt": attempt,
				"error":   err,
			}).Debug("Concurrency conflict, retrying")
			if onRetry != nil {
				onRetry(attempt, err)
			}
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(10*time.Second),
	)
}
