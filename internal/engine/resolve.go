package engine

import (
	"context"
	"strings"

	"golang.org/x/text/cases"

	"github.com/roach88/gradelock/internal/model"
)

// matchItems returns the items labelled idNumber whose course short name
// contains pattern, compared with Unicode case folding. An empty pattern
// matches every item; a course without a short name never matches a
// non-empty pattern.
func matchItems(ctx context.Context, q Entities, idNumber, pattern string) ([]model.Item, error) {
	items, err := q.ItemsByIDNumber(ctx, idNumber)
	if err != nil {
		return nil, storeFailure("read items by idnumber", 0, err)
	}

	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return items, nil
	}

	fold := cases.Fold()
	needle := fold.String(pattern)
	courseMatches := make(map[int64]bool)

	matched := make([]model.Item, 0, len(items))
	for _, it := range items {
		ok, seen := courseMatches[it.CourseID]
		if !seen {
			name, found, err := q.CourseShortName(ctx, it.CourseID)
			if err != nil {
				return nil, storeFailure("read course short name", 0, err)
			}
			ok = found && strings.Contains(fold.String(name), needle)
			courseMatches[it.CourseID] = ok
		}
		if ok {
			matched = append(matched, it)
		}
	}
	return matched, nil
}

// owningRoots returns the distinct owning categories of items, in item order.
func owningRoots(items []model.Item) []int64 {
	set := model.NewIDSet()
	roots := make([]int64, 0, len(items))
	for _, it := range items {
		if set.Add(it.OwningCategory()) {
			roots = append(roots, it.OwningCategory())
		}
	}
	return roots
}

// detailFor builds the run-log record of one matched item.
func detailFor(it model.Item) model.RunLogDetail {
	return model.RunLogDetail{
		CategoryID: it.OwningCategory(),
		IDNumber:   it.IDNumber,
		CourseID:   it.CourseID,
		Kind:       it.Kind,
		ItemID:     it.ID,
	}
}
