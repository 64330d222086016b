// Package lock provides the mutual exclusion that keeps reconciliation passes
// from overlapping.
//
// Two backends implement Locker: StoreLocker keeps an expiring lease row in
// the SQLite database, RedisLocker uses SET NX PX on a shared Redis.
// Both hand out owner-scoped leases: only the holder can release its lease,
// and an expired lease can be taken over by anyone.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker acquires named, expiring leases.
//
// Acquire returns acquired=false (and no error) when another owner holds an
// unexpired lease. An error means the backend itself failed.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error)
}

// Lease is a held lock. Release is idempotent.
type Lease struct {
	Name  string
	Owner string

	once    sync.Once
	release func(ctx context.Context) error
	extend  func(ctx context.Context, ttl time.Duration) (bool, error)
}

func newLease(name, owner string, release func(ctx context.Context) error, extend func(ctx context.Context, ttl time.Duration) (bool, error)) *Lease {
	return &Lease{Name: name, Owner: owner, release: release, extend: extend}
}

// Extend renews the lease for ttl from now. held is false when the lease
// expired and another owner took it over; the caller no longer has
// exclusion and must stop.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) (held bool, err error) {
	if l == nil || l.extend == nil {
		return false, nil
	}
	return l.extend(ctx, ttl)
}

// Release gives the lease back. Calling it on a nil lease or more than once
// is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		err = l.release(ctx)
	})
	return err
}

// newOwner returns a fresh owner token. UUIDv7 keeps tokens time-sortable
// in the lease table and in logs.
func newOwner() string {
	return uuid.Must(uuid.NewV7()).String()
}
