package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisLocker skips unless REDIS_ADDR points at a disposable server.
func newTestRedisLocker(t *testing.T) *RedisLocker {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb, err := DialRedis(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLocker(rdb, "gradelock-test:"+t.Name()+":")
}

func TestRedisLocker_Exclusive(t *testing.T) {
	l := newTestRedisLocker(t)
	ctx := context.Background()

	lease, ok, err := l.Acquire(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer lease.Release(ctx)

	_, ok, err = l.Acquire(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLocker_ReleaseAndExpiry(t *testing.T) {
	l := newTestRedisLocker(t)
	ctx := context.Background()

	lease, ok, err := l.Acquire(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lease.Release(ctx))

	short, ok, err := l.Acquire(ctx, "reconcile", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(150 * time.Millisecond)

	next, ok, err := l.Acquire(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "expired key should be re-acquirable")
	defer next.Release(ctx)

	// The stale owner must not delete the new owner's key.
	require.NoError(t, short.Release(ctx))
	_, ok, err = l.Acquire(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLocker_Extend(t *testing.T) {
	l := newTestRedisLocker(t)
	ctx := context.Background()

	lease, ok, err := l.Acquire(ctx, "reconcile", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	defer lease.Release(ctx)

	held, err := lease.Extend(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, held)

	time.Sleep(200 * time.Millisecond)
	_, ok, err = l.Acquire(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "extended lease outlives its first ttl")

	require.NoError(t, lease.Release(ctx))
	held, err = lease.Extend(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestDialRedis_EmptyAddr(t *testing.T) {
	_, err := DialRedis(context.Background(), "")
	assert.Error(t, err)
}

func TestNewRedisLocker_DefaultPrefix(t *testing.T) {
	l := NewRedisLocker(nil, "")
	assert.Equal(t, DefaultKeyPrefix, l.prefix)

	_, _, err := l.Acquire(context.Background(), "x", time.Second)
	assert.Error(t, err)
}
