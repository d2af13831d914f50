package quota

import (
	"context"
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// Clock supplies the current time used to pick the usage bucket
type Clock interface {
	Now() time.Time
}

// SystemClock is the process wall clock
type SystemClock struct{}

// Now returns time.Now in UTC
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() time.Time

// Now calls f
func (f ClockFunc) Now() time.Time { return f() }

// TimeSource defines an interface for getting time from the storage engine.
// Storage implementations may implement it so every process agrees on
// when the UTC day rolls over.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}

// Day is a calendar day in UTC, formatted YYYY-MM-DD. It is the usage bucket key.
type Day string

// DayOf returns the UTC calendar day containing t
func DayOf(t time.Time) Day {
	return Day(t.UTC().Format(dayLayout))
}

// ParseDay validates and normalizes a YYYY-MM-DD string
func ParseDay(s string) (Day, error) {
	t, err := time.ParseInLocation(dayLayout, s, time.UTC)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDay, s)
	}
	return DayOf(t), nil
}

// Start returns midnight UTC at the beginning of the day
func (d Day) Start() time.Time {
	t, err := time.ParseInLocation(dayLayout, string(d), time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// End returns the next midnight UTC, when the quota resets
func (d Day) End() time.Time {
	return d.Start().AddDate(0, 0, 1)
}

// Add returns the day n days after d (n may be negative)
func (d Day) Add(n int) Day {
	return DayOf(d.Start().AddDate(0, 0, n))
}

// Valid reports whether d is a well-formed day
func (d Day) Valid() bool {
	_, err := time.ParseInLocation(dayLayout, string(d), time.UTC)
	return err == nil
}

func (d Day) String() string { return string(d) }
