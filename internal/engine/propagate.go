package engine

import (
	"context"
	"time"

	"github.com/roach88/gradelock/internal/metrics"
	"github.com/roach88/gradelock/internal/model"
)

// Propagator applies lock state to category subtrees.
//
// Lock cascades unconditionally. Unlock checks the ancestor guard on every
// reached category unless forced: a category with a locked ancestor is
// reported in Blocked, left untouched and its subtree pruned. Sibling
// subtrees are unaffected.
type Propagator struct {
	walker  *Walker
	clock   Clock
	metrics *metrics.Metrics
}

// NewPropagator creates a propagator. A nil clock uses SystemClock.
func NewPropagator(w *Walker, clock Clock, m *metrics.Metrics) *Propagator {
	if w == nil {
		w = NewWalker(DefaultMaxDepth)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Propagator{walker: w, clock: clock, metrics: m}
}

// Propagate applies lock (or unlock) to the subtree rooted at root inside q.
// A missing root returns an empty result and no error.
//
// Timestamps are re-stamped on every reached record, even when its lock
// flag does not change. One now is captured per call.
func (p *Propagator) Propagate(ctx context.Context, q Entities, root int64, lock, force bool) (model.PropagationResult, error) {
	now := p.clock.Now()

	cats := model.NewIDSet()
	items := model.NewIDSet()
	blocked := model.NewIDSet()

	err := p.walker.Walk(ctx, q, root, func(c model.Category) (bool, error) {
		if !lock && !force {
			locked, err := ancestorLocked(ctx, q, c, nil)
			if err != nil {
				return false, err
			}
			if locked {
				blocked.Add(c.ID)
				return false, nil
			}
		}

		touched, err := applyLock(ctx, q, c, lock, now)
		if err != nil {
			return false, err
		}
		cats.Add(c.ID)
		for _, id := range touched {
			items.Add(id)
		}
		return true, nil
	})
	if err != nil {
		return model.PropagationResult{}, err
	}

	p.metrics.Propagated(cats.Len(), items.Len(), blocked.Len())
	return model.PropagationResult{
		CategoryIDs: cats.Sorted(),
		ItemIDs:     items.Sorted(),
		Blocked:     blocked.Sorted(),
	}, nil
}

// applyLock writes lock state to c, then its proxy item, then its leaf
// items, and returns the ids of the items written. This is the only place
// a category and its proxy change, so the two flags never drift apart.
func applyLock(ctx context.Context, q Entities, c model.Category, lock bool, now time.Time) ([]int64, error) {
	c.Locked = lock
	c.LockTime = lockTime(lock, now)
	c.ModifiedTime = now
	if err := q.UpdateCategory(ctx, c); err != nil {
		return nil, storeFailure("update category", c.ID, err)
	}

	items, err := reach(ctx, q, c.ID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		it.Locked = lock
		it.LockTime = lockTime(lock, now)
		it.ModifiedTime = now
		if err := q.UpdateItem(ctx, it); err != nil {
			e := storeFailure("update item", c.ID, err)
			e.ItemID = it.ID
			return nil, e
		}
		ids = append(ids, it.ID)
	}
	return ids, nil
}

// lockTime is now for a lock and the zero time for an unlock.
func lockTime(lock bool, now time.Time) time.Time {
	if lock {
		return now
	}
	return time.Time{}
}
