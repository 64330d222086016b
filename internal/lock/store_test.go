package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gradelock/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreLocker_SecondAcquireFailsWhileHeld(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := NewStoreLocker(s)
	b := NewStoreLocker(s)

	lease, ok, err := a.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, lease.Owner)

	other, ok, err := b.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, other)
}

func TestStoreLocker_ReleaseAllowsReacquire(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	l := NewStoreLocker(s)

	lease, ok, err := l.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx), "second release is a no-op")

	_, ok, err = l.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreLocker_ExpiredLeaseTakenOver(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Unix(10_000, 0)

	a := NewStoreLocker(s, WithNow(func() time.Time { return now }))
	_, ok, err := a.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	later := now.Add(2 * time.Minute)
	b := NewStoreLocker(s, WithNow(func() time.Time { return later }))
	lease, ok, err := b.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	owner, held, err := s.LeaseOwner(ctx, "reconcile")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, lease.Owner, owner)
}

func TestStoreLocker_StaleReleaseKeepsNewOwner(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Unix(10_000, 0)

	a := NewStoreLocker(s, WithNow(func() time.Time { return now }))
	stale, ok, err := a.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	b := NewStoreLocker(s, WithNow(func() time.Time { return now.Add(time.Hour) }))
	fresh, ok, err := b.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale.Release(ctx))

	owner, held, err := s.LeaseOwner(ctx, "reconcile")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, fresh.Owner, owner)
}

func TestStoreLocker_ExtendKeepsLeaseAlive(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Unix(10_000, 0)

	a := NewStoreLocker(s, WithNow(func() time.Time { return now }))
	lease, ok, err := a.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(45 * time.Second)
	held, err := lease.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, held)

	// Past the original expiry but inside the renewed one.
	b := NewStoreLocker(s, WithNow(func() time.Time { return now.Add(30 * time.Second) }))
	_, ok, err = b.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreLocker_ExtendAfterTakeover(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Unix(10_000, 0)

	a := NewStoreLocker(s, WithNow(func() time.Time { return now }))
	stale, ok, err := a.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	b := NewStoreLocker(s, WithNow(func() time.Time { return now.Add(time.Hour) }))
	fresh, ok, err := b.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	held, err := stale.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, held)

	owner, _, err := s.LeaseOwner(ctx, "reconcile")
	require.NoError(t, err)
	assert.Equal(t, fresh.Owner, owner)
}

func TestLease_NilRelease(t *testing.T) {
	var l *Lease
	assert.NoError(t, l.Release(context.Background()))

	held, err := l.Extend(context.Background(), time.Minute)
	assert.NoError(t, err)
	assert.False(t, held)
}
