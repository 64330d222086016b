package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	a, err := ParseAction("lock")
	require.NoError(t, err)
	assert.Equal(t, ActionLock, a)
	assert.True(t, a.Locks())

	a, err = ParseAction("unlock")
	require.NoError(t, err)
	assert.False(t, a.Locks())

	_, err = ParseAction("LOCK")
	assert.Error(t, err)

	assert.Equal(t, ActionLock, ActionFor(true))
	assert.Equal(t, ActionUnlock, ActionFor(false))
}

func TestItemOwningCategory(t *testing.T) {
	leaf := Item{ID: 1, CategoryID: 10, Kind: KindLeaf}
	proxy := Item{ID: 2, ItemInstance: 20, Kind: KindCategory}

	assert.Equal(t, int64(10), leaf.OwningCategory())
	assert.Equal(t, int64(20), proxy.OwningCategory())
	assert.False(t, leaf.IsProxy())
	assert.True(t, proxy.IsProxy())
	assert.True(t, KindLeaf.Valid())
	assert.False(t, ItemKind("mod").Valid())
}

func TestScheduledJobDue(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	assert.True(t, ScheduledJob{ScheduledFor: now.Add(-time.Second)}.Due(now))
	assert.True(t, ScheduledJob{ScheduledFor: now}.Due(now))
	assert.False(t, ScheduledJob{ScheduledFor: now.Add(time.Second)}.Due(now))
}

func TestTrackerStateSince(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)

	assert.Equal(t, time.Unix(0, 0), TrackerState{}.Since(time.Hour))
	assert.Equal(t, t0.Add(-time.Hour), TrackerState{LastRunAt: t0}.Since(time.Hour))

	// Clamped at the epoch.
	early := TrackerState{LastRunAt: time.Unix(100, 0)}
	assert.Equal(t, time.Unix(0, 0), early.Since(time.Hour))
}
