package engine

import "time"

// Clock supplies wall-clock time for lock stamps, run logs and job due
// checks. Tests inject testutil.FixedClock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real clock, truncated to the one-second resolution
// the store keeps.
type SystemClock struct{}

// Now returns the current UTC time truncated to the second.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
