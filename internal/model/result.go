package model

import "slices"

// PropagationResult reports what one propagation call did.
type PropagationResult struct {
	CategoryIDs []int64 `json:"category_ids"` // categories written
	ItemIDs     []int64 `json:"item_ids"`     // proxy and leaf items written
	Blocked     []int64 `json:"blocked"`      // categories refused by the ancestor guard
}

// ImpactSet is the read-only counterpart of PropagationResult.
type ImpactSet struct {
	CategoryIDs []int64 `json:"category_ids"`
	ItemIDs     []int64 `json:"item_ids"`
	Blocked     []int64 `json:"blocked"`
}

// Merge folds other into r. Ids stay sorted and unique.
func (r PropagationResult) Merge(other PropagationResult) PropagationResult {
	return PropagationResult{
		CategoryIDs: UnionIDs(r.CategoryIDs, other.CategoryIDs),
		ItemIDs:     UnionIDs(r.ItemIDs, other.ItemIDs),
		Blocked:     UnionIDs(r.Blocked, other.Blocked),
	}
}

// Empty reports whether nothing was touched or blocked.
func (r PropagationResult) Empty() bool {
	return len(r.CategoryIDs) == 0 && len(r.ItemIDs) == 0 && len(r.Blocked) == 0
}

// Impact converts the result to an ImpactSet for comparison with previews.
func (r PropagationResult) Impact() ImpactSet {
	return ImpactSet{CategoryIDs: r.CategoryIDs, ItemIDs: r.ItemIDs, Blocked: r.Blocked}
}

// UnionIDs returns the sorted, de-duplicated union of the given id lists.
// The result is never nil.
func UnionIDs(lists ...[]int64) []int64 {
	out := []int64{}
	for _, l := range lists {
		out = append(out, l...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// IDSet is an insertion-ordered set of ids.
type IDSet struct {
	seen map[int64]struct{}
	ids  []int64
}

// NewIDSet creates an empty set.
func NewIDSet() *IDSet {
	return &IDSet{seen: make(map[int64]struct{})}
}

// Add inserts id and reports whether it was new.
func (s *IDSet) Add(id int64) bool {
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	s.ids = append(s.ids, id)
	return true
}

// Has reports membership.
func (s *IDSet) Has(id int64) bool {
	_, ok := s.seen[id]
	return ok
}

// Len returns the number of ids.
func (s *IDSet) Len() int {
	return len(s.ids)
}

// Sorted returns the ids in ascending order. Never nil.
func (s *IDSet) Sorted() []int64 {
	out := make([]int64, len(s.ids))
	copy(out, s.ids)
	slices.Sort(out)
	return out
}
