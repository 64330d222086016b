package model

import (
	"fmt"
	"time"
)

// ItemKind distinguishes plain leaf items from category proxies.
type ItemKind string

const (
	// KindLeaf is a gradable leaf attached to exactly one category.
	KindLeaf ItemKind = "leaf"

	// KindCategory is the pseudo-item mirroring a category's lock flag.
	KindCategory ItemKind = "category"
)

// Valid reports whether k is a known item kind.
func (k ItemKind) Valid() bool {
	return k == KindLeaf || k == KindCategory
}

// Action is the requested lock transition.
type Action string

const (
	ActionLock   Action = "lock"
	ActionUnlock Action = "unlock"
)

// ParseAction converts a user-supplied string to an Action.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionLock, ActionUnlock:
		return Action(s), nil
	default:
		return "", fmt.Errorf("invalid action %q: must be lock or unlock", s)
	}
}

// Locks reports whether the action locks.
func (a Action) Locks() bool {
	return a == ActionLock
}

// ActionFor returns the Action for a boolean lock flag.
func ActionFor(lock bool) Action {
	if lock {
		return ActionLock
	}
	return ActionUnlock
}

// Course carries the fields needed for pattern filtering.
type Course struct {
	ID        int64  `json:"id"`
	ShortName string `json:"short_name"`
	FullName  string `json:"full_name"`
}

// Category is an internal node of the grading hierarchy.
type Category struct {
	ID           int64     `json:"id"`
	CourseID     int64     `json:"course_id"`
	ParentID     int64     `json:"parent_id"` // 0 for a root category
	Path         string    `json:"path"`      // "/1/23/456/", root to self
	FullName     string    `json:"full_name"`
	Locked       bool      `json:"locked"`
	LockTime     time.Time `json:"lock_time"`
	ModifiedTime time.Time `json:"modified_time"`
}

// IsRoot reports whether the category has no parent.
func (c Category) IsRoot() bool {
	return c.ParentID == 0
}

// Ancestors returns the ancestor ids from Path, root first, excluding c itself.
func (c Category) Ancestors() []int64 {
	return Ancestors(c.Path, c.ID)
}

// Item is a gradable leaf or a category proxy.
type Item struct {
	ID           int64     `json:"id"`
	CourseID     int64     `json:"course_id"`
	CategoryID   int64     `json:"category_id,omitempty"`   // leaf items
	ItemInstance int64     `json:"item_instance,omitempty"` // category proxies
	IDNumber     string    `json:"id_number"`
	Name         string    `json:"name"`
	Kind         ItemKind  `json:"kind"`
	Locked       bool      `json:"locked"`
	LockTime     time.Time `json:"lock_time"`
	ModifiedTime time.Time `json:"modified_time"`
}

// IsProxy reports whether the item mirrors a category.
func (i Item) IsProxy() bool {
	return i.Kind == KindCategory
}

// OwningCategory returns the category a propagation for this item starts at:
// the mirrored category for proxies, the owning category for leaves.
func (i Item) OwningCategory() int64 {
	if i.IsProxy() {
		return i.ItemInstance
	}
	return i.CategoryID
}

// ScheduledJob is a deferred lock/unlock request.
type ScheduledJob struct {
	ID           int64     `json:"id"`
	IDNumber     string    `json:"id_number"`
	Pattern      string    `json:"pattern,omitempty"`
	Action       Action    `json:"action"`
	ScheduledFor time.Time `json:"scheduled_for"`
	CreatedAt    time.Time `json:"created_at"`
}

// Due reports whether the job should run at now.
func (j ScheduledJob) Due(now time.Time) bool {
	return !j.ScheduledFor.After(now)
}

// RunLogDetail describes one matched item of a completed request.
type RunLogDetail struct {
	CategoryID int64    `json:"catid"`
	IDNumber   string   `json:"idnumber"`
	CourseID   int64    `json:"courseid"`
	Kind       ItemKind `json:"itemtype"`
	ItemID     int64    `json:"itemid"`
}

// RunLog is the append-only audit record of one completed request.
type RunLog struct {
	ID            int64          `json:"id"`
	IDNumber      string         `json:"id_number"`
	Pattern       string         `json:"pattern,omitempty"`
	Action        Action         `json:"action"`
	ScheduledFor  *time.Time     `json:"scheduled_for,omitempty"` // nil for immediate actions
	Executed      bool           `json:"executed"`
	ExecutionDate time.Time      `json:"execution_date"`
	Impacted      []int64        `json:"impacted"`
	Detail        []RunLogDetail `json:"detail"`
}

// TrackerState holds the reconciliation high-water marks.
type TrackerState struct {
	LastRunAt               time.Time `json:"last_run_at"`
	LastProcessedItemID     int64     `json:"last_processed_item_id"`
	LastProcessedCategoryID int64     `json:"last_processed_category_id"`
}

// Since returns the lower bound of the modification-time window:
// LastRunAt minus margin, clamped at the Unix epoch.
func (s TrackerState) Since(margin time.Duration) time.Time {
	if s.LastRunAt.IsZero() {
		return time.Unix(0, 0)
	}
	since := s.LastRunAt.Add(-margin)
	if since.Before(time.Unix(0, 0)) {
		return time.Unix(0, 0)
	}
	return since
}
