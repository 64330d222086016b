package engine

import (
	"context"

	"github.com/roach88/gradelock/internal/model"
)

// Entities is the read/write surface the walker, propagator and collector
// need from one store transaction. *store.Tx satisfies it.
type Entities interface {
	Category(ctx context.Context, id int64) (model.Category, bool, error)
	Children(ctx context.Context, parentID int64) ([]model.Category, error)
	UpdateCategory(ctx context.Context, c model.Category) error

	ItemsByCategory(ctx context.Context, categoryID int64) ([]model.Item, error)
	ProxyItem(ctx context.Context, categoryID int64) (model.Item, bool, error)
	ItemsByInstance(ctx context.Context, instanceID int64) ([]model.Item, error)
	ItemsByIDNumber(ctx context.Context, idNumber string) ([]model.Item, error)
	UpdateItem(ctx context.Context, it model.Item) error

	CourseShortName(ctx context.Context, courseID int64) (string, bool, error)

	Savepoint(ctx context.Context, fn func() error) error
}

// reach returns the items a propagation on categoryID writes: the
// category's proxy items (instance == categoryID) followed by its leaves.
// The propagator and the collector both go through here so their notion of
// "attached" never diverges.
func reach(ctx context.Context, q Entities, categoryID int64) ([]model.Item, error) {
	byInstance, err := q.ItemsByInstance(ctx, categoryID)
	if err != nil {
		return nil, storeFailure("read proxy items", categoryID, err)
	}
	leaves, err := q.ItemsByCategory(ctx, categoryID)
	if err != nil {
		return nil, storeFailure("read leaf items", categoryID, err)
	}

	items := make([]model.Item, 0, len(byInstance)+len(leaves))
	for _, it := range byInstance {
		if it.IsProxy() {
			items = append(items, it)
		}
	}
	return append(items, leaves...), nil
}

// lockOverrides records lock states decided earlier in the same call but
// not (or not yet) visible through q, keyed by category id.
type lockOverrides map[int64]bool

// categoryLocked reports the effective lock flag of a category: its proxy
// item's flag when it has one, its own flag otherwise. Overrides win.
func categoryLocked(ctx context.Context, q Entities, id int64, over lockOverrides) (bool, error) {
	if locked, ok := over[id]; ok {
		return locked, nil
	}
	proxy, ok, err := q.ProxyItem(ctx, id)
	if err != nil {
		return false, storeFailure("read proxy item", id, err)
	}
	if ok {
		return proxy.Locked, nil
	}
	cat, ok, err := q.Category(ctx, id)
	if err != nil {
		return false, storeFailure("read category", id, err)
	}
	return ok && cat.Locked, nil
}

// ancestorLocked reports whether any ancestor on c's path is locked.
func ancestorLocked(ctx context.Context, q Entities, c model.Category, over lockOverrides) (bool, error) {
	if c.IsRoot() {
		return false, nil
	}
	for _, id := range c.Ancestors() {
		locked, err := categoryLocked(ctx, q, id, over)
		if err != nil {
			return false, err
		}
		if locked {
			return true, nil
		}
	}
	return false, nil
}
