package testutil

import (
	"sync"
	"time"
)

// FixedClock is a settable wall clock for tests.
//
// Now returns the same instant until Set or Advance moves it, so lock
// times and run-log dates are reproducible across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock frozen at t (stored in UTC).
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t.UTC()}
}

// NewFixedClockUnix creates a clock frozen at the given Unix second.
func NewFixedClockUnix(sec int64) *FixedClock {
	return NewFixedClock(time.Unix(sec, 0))
}

// Now returns the current frozen instant.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Advance moves the clock forward by d and returns the new instant.
func (c *FixedClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
