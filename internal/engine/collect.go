package engine

import (
	"context"

	"github.com/roach88/gradelock/internal/model"
)

// Collector computes what a propagation would touch without writing.
//
// It walks with the same Walker, reaches the same items and evaluates the
// same ancestor guard as Propagator, so for any root set the result equals
// the merged results of propagating those roots one after another.
type Collector struct {
	walker *Walker
}

// NewCollector creates a collector sharing w with the propagator.
func NewCollector(w *Walker) *Collector {
	if w == nil {
		w = NewWalker(DefaultMaxDepth)
	}
	return &Collector{walker: w}
}

// Collect previews locking every root. Missing roots are skipped.
func (c *Collector) Collect(ctx context.Context, q Entities, roots []int64) (model.ImpactSet, error) {
	return c.CollectFor(ctx, q, roots, true, false)
}

// CollectFor previews propagating lock (or unlock) from each root in order.
//
// Categories the preview has already decided to lock or unlock are treated
// as being in that state when later guards run, matching what sequential
// propagation would read back from the store.
func (c *Collector) CollectFor(ctx context.Context, q Entities, roots []int64, lock, force bool) (model.ImpactSet, error) {
	cats := model.NewIDSet()
	items := model.NewIDSet()
	blocked := model.NewIDSet()
	decided := lockOverrides{}

	for _, root := range roots {
		err := c.walker.Walk(ctx, q, root, func(cat model.Category) (bool, error) {
			if !lock && !force {
				locked, err := ancestorLocked(ctx, q, cat, decided)
				if err != nil {
					return false, err
				}
				if locked {
					blocked.Add(cat.ID)
					return false, nil
				}
			}

			reached, err := reach(ctx, q, cat.ID)
			if err != nil {
				return false, err
			}
			cats.Add(cat.ID)
			for _, it := range reached {
				items.Add(it.ID)
			}
			decided[cat.ID] = lock
			return true, nil
		})
		if err != nil {
			return model.ImpactSet{}, err
		}
	}

	return model.ImpactSet{
		CategoryIDs: cats.Sorted(),
		ItemIDs:     items.Sorted(),
		Blocked:     blocked.Sorted(),
	}, nil
}
