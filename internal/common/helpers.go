// Package common contains utilities shared across the project:
// the error taxonomy, calendar-day helpers, per-child locks and retries.
package common

import (
	"sync"
	"time"
)

// DateLayout is the wire and storage format of calendar days.
const DateLayout = "2006-01-02"

// Clock answers "what time is it" and "which calendar day is it" for the
// household timezone. Services never call time.Now directly so that tests
// can pin the day.
type Clock interface {
	Now() time.Time
	Today() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct {
	loc *time.Location
}

// NewSystemClock returns a clock for the given timezone (UTC when nil).
func NewSystemClock(loc *time.Location) *SystemClock {
	if loc == nil {
		loc = time.UTC
	}
	return &SystemClock{loc: loc}
}

func (c *SystemClock) Now() time.Time { return time.Now().In(c.loc) }

func (c *SystemClock) Today() time.Time { return DateOf(c.Now()) }

// Location returns the household timezone.
func (c *SystemClock) Location() *time.Location { return c.loc }

// ManualClock is a Clock whose time only moves when Set or Advance is called.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock frozen at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Today() time.Time { return DateOf(c.Now()) }

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// DateOf returns the calendar day of t (in t's own location) as midnight UTC.
// All plan dates and grant dates are normalized this way so that they
// compare with == and round-trip through DATE columns unchanged.
//
// Example:
//
//	DateOf(2024-05-01 23:30 +09:00) → 2024-05-01 00:00 UTC
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayBounds returns the instants [start, end) of the local calendar day
// containing now, in now's location.
func DayBounds(now time.Time) (start, end time.Time) {
	start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 0, 1)
}

// ParseDate parses "2006-01-02" into a normalized calendar day.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return DateOf(t), nil
}

// FormatDate formats a calendar day as "2006-01-02".
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// FormatDateTime formats a timestamp as "2006-01-02 15:04" in loc.
// Used in bot messages.
func FormatDateTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04")
}
