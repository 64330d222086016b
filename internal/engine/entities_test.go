package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gradelock/internal/store"
)

var (
	_ Entities = (*store.Tx)(nil)
	_ Settings = (*store.Tx)(nil)
)

func TestReach_ProxyThenLeaves(t *testing.T) {
	s := setupTestStore(t)
	seedTree(t, s)
	ctx := context.Background()

	err := s.ReadTx(ctx, func(tx *store.Tx) error {
		items, err := reach(ctx, tx, 1)
		require.NoError(t, err)

		var ids []int64
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		// 102 and 104 sit in category 1 but mirror categories 2 and 4.
		assert.Equal(t, []int64{101, 201}, ids)

		items, err = reach(ctx, tx, 999)
		require.NoError(t, err)
		assert.Empty(t, items)
		return nil
	})
	require.NoError(t, err)
}

func TestCategoryLocked_OverridesWin(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Propagate(ctx, 1, true, false)
	require.NoError(t, err)

	err = s.ReadTx(ctx, func(tx *store.Tx) error {
		locked, err := categoryLocked(ctx, tx, 1, nil)
		require.NoError(t, err)
		assert.True(t, locked)

		locked, err = categoryLocked(ctx, tx, 1, lockOverrides{1: false})
		require.NoError(t, err)
		assert.False(t, locked)

		cat, _, err := tx.Category(ctx, 3)
		require.NoError(t, err)
		under, err := ancestorLocked(ctx, tx, cat, lockOverrides{1: false})
		require.NoError(t, err)
		assert.True(t, under, "category 2 is still locked")

		under, err = ancestorLocked(ctx, tx, cat, lockOverrides{1: false, 2: false})
		require.NoError(t, err)
		assert.False(t, under)
		return nil
	})
	require.NoError(t, err)
}
