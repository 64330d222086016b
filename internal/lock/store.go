package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/gradelock/internal/store"
)

// StoreLocker keeps leases as rows in the scheduler_locks table.
type StoreLocker struct {
	store *store.Store
	now   func() time.Time
}

// StoreOption configures a StoreLocker.
type StoreOption func(*StoreLocker)

// WithNow overrides the time source used to stamp and expire leases.
func WithNow(now func() time.Time) StoreOption {
	return func(l *StoreLocker) {
		l.now = now
	}
}

// NewStoreLocker creates a lease locker backed by s.
func NewStoreLocker(s *store.Store, opts ...StoreOption) *StoreLocker {
	l := &StoreLocker{store: s, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire claims name for ttl. An expired lease row is replaced.
func (l *StoreLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	owner := newOwner()
	ok, err := l.store.AcquireLease(ctx, name, owner, l.now(), ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire %q: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		return l.store.ReleaseLease(ctx, name, owner)
	}
	extend := func(ctx context.Context, ttl time.Duration) (bool, error) {
		return l.store.ExtendLease(ctx, name, owner, l.now(), ttl)
	}
	return newLease(name, owner, release, extend), true, nil
}
