package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/gradelock/internal/model"
)

// Setting names of the persisted tracker state.
const (
	SettingLastRunAt      = "last_run_at"
	SettingLastItemID     = "last_item_id"
	SettingLastCategoryID = "last_category_id"
)

// DefaultMargin is how far before the last run the modification-time
// window reaches back, absorbing clock skew and late commits.
const DefaultMargin = time.Hour

// Settings is the key/value surface the tracker persists through.
// *store.Tx satisfies it.
type Settings interface {
	Setting(ctx context.Context, name string) (string, bool, error)
	SetSetting(ctx context.Context, name, value string) error
	DeleteSetting(ctx context.Context, name string) error
}

// Tracker loads and saves the reconciliation high-water marks.
// It holds no state of its own; the state travels as a value.
type Tracker struct{}

// Load reads the tracker state. Missing settings load as zero values.
func (Tracker) Load(ctx context.Context, s Settings) (model.TrackerState, error) {
	runAt, err := readInt(ctx, s, SettingLastRunAt)
	if err != nil {
		return model.TrackerState{}, err
	}
	itemID, err := readInt(ctx, s, SettingLastItemID)
	if err != nil {
		return model.TrackerState{}, err
	}
	catID, err := readInt(ctx, s, SettingLastCategoryID)
	if err != nil {
		return model.TrackerState{}, err
	}

	var st model.TrackerState
	if runAt > 0 {
		st.LastRunAt = time.Unix(runAt, 0).UTC()
	}
	st.LastProcessedItemID = itemID
	st.LastProcessedCategoryID = catID
	return st, nil
}

// Save writes all three marks. Callers run it inside one transaction so the
// marks advance together or not at all.
func (Tracker) Save(ctx context.Context, s Settings, st model.TrackerState) error {
	var runAt int64
	if !st.LastRunAt.IsZero() {
		runAt = st.LastRunAt.Unix()
	}
	values := []struct {
		name  string
		value int64
	}{
		{SettingLastRunAt, runAt},
		{SettingLastItemID, st.LastProcessedItemID},
		{SettingLastCategoryID, st.LastProcessedCategoryID},
	}
	for _, v := range values {
		if err := s.SetSetting(ctx, v.name, strconv.FormatInt(v.value, 10)); err != nil {
			return fmt.Errorf("save tracker: %w", err)
		}
	}
	return nil
}

// Reset forgets all marks; the next pass scans every entity.
func (Tracker) Reset(ctx context.Context, s Settings) error {
	for _, name := range []string{SettingLastRunAt, SettingLastItemID, SettingLastCategoryID} {
		if err := s.DeleteSetting(ctx, name); err != nil {
			return fmt.Errorf("reset tracker: %w", err)
		}
	}
	return nil
}

// Window returns the lower bound of the modification-time scan:
// LastRunAt minus margin, never before the Unix epoch.
func (Tracker) Window(st model.TrackerState, margin time.Duration) time.Time {
	return st.Since(margin)
}

func readInt(ctx context.Context, s Settings, name string) (int64, error) {
	raw, ok, err := s.Setting(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("load tracker: %w", err)
	}
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("load tracker: setting %s=%q: %w", name, raw, err)
	}
	return v, nil
}
