package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateOf_UsesLocalCalendarDay(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	late := time.Date(2024, 5, 1, 23, 30, 0, 0, tokyo)

	d := DateOf(late)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), d)
	assert.Equal(t, "2024-05-01", FormatDate(d))

	// 01:00 JST is still April 30th in UTC.
	early := time.Date(2024, 5, 1, 1, 0, 0, 0, tokyo)
	assert.Equal(t, "2024-05-01", FormatDate(DateOf(early)))
	assert.Equal(t, "2024-04-30", FormatDate(DateOf(early.UTC())))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDate("29.02.2024")
	assert.Error(t, err)
}

func TestManualClock(t *testing.T) {
	c := NewManualClock(time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, "2024-05-01", FormatDate(c.Today()))
	c.Advance(2 * time.Hour)
	assert.Equal(t, "2024-05-02", FormatDate(c.Today()))
}

func TestFormatMinutes(t *testing.T) {
	assert.Equal(t, "1 minute", FormatMinutes(1))
	assert.Equal(t, "0 minutes", FormatMinutes(0))
	assert.Equal(t, "+30 minutes", FormatMinutesDelta(30))
	assert.Equal(t, "-1 minute", FormatMinutesDelta(-1))
}

func TestChildLocks_SerializesSameChild(t *testing.T) {
	locks := NewChildLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(7)
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, locks.Len(), "entries are released after use")
}

func TestChildLocks_DifferentChildrenDoNotContend(t *testing.T) {
	locks := NewChildLocks()
	unlockA := locks.Lock(1)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock(2)
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock of child 2 blocked behind child 1")
	}
}

func TestRetryOnConflict_RetriesOnlyConflicts(t *testing.T) {
	ctx := context.Background()

	calls := 0
	retries := 0
	v, err := RetryOnConflict(ctx, 5, func(int, error) { retries++ }, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("grant insert: %w", ErrConcurrencyConflict)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)

	calls = 0
	_, err = RetryOnConflict(ctx, 5, nil, func() (int, error) {
		calls++
		return 0, fmt.Errorf("task 1: %w", ErrInvalidState)
	})
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflict_GivesUp(t *testing.T) {
	calls := 0
	_, err := RetryOnConflict(context.Background(), 3, nil, func() (struct{}, error) {
		calls++
		return struct{}{}, ErrConcurrencyConflict
	})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.Equal(t, 3, calls)
}

func TestIsCallerError(t *testing.T) {
	assert.True(t, IsCallerError(fmt.Errorf("task 3: %w", ErrInvalidState)))
	assert.True(t, IsCallerError(ErrDailyLimitExceeded))
	assert.False(t, IsCallerError(errors.New("connection reset")))
	assert.False(t, IsCallerError(nil))
}
