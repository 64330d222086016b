package engine

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gradelock/internal/lock"
	"github.com/roach88/gradelock/internal/metrics"
	"github.com/roach88/gradelock/internal/model"
	"github.com/roach88/gradelock/internal/store"
)

// ===== Scheduled jobs =====

func TestRunPass_ExecutesDueJob(t *testing.T) {
	r, _, s, _ := newTestReconciler(t)
	ctx := context.Background()

	job := insertJob(t, s, model.ScheduledJob{
		IDNumber:     "CAT1",
		Pattern:      "math",
		Action:       model.ActionLock,
		ScheduledFor: time.Unix(t0-1, 0),
		CreatedAt:    time.Unix(t0-100, 0),
	})

	report, err := r.RunPass(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, "pass-1", report.PassID)
	assert.Empty(t, report.Failures)

	for _, id := range allMathCategories {
		assert.True(t, getCategory(t, s, id).Locked, "category %d", id)
	}
	for _, id := range allMathItems {
		assert.True(t, getItem(t, s, id).Locked, "item %d", id)
	}
	// The pattern keeps the HIST200 CAT1 out.
	assert.False(t, getCategory(t, s, 10).Locked)

	require.Len(t, report.Jobs, 1)
	assert.Equal(t, job.ID, report.Jobs[0].JobID)
	assert.Equal(t, 1, report.Jobs[0].Matched)

	logs := listRunLogs(t, s)
	require.Len(t, logs, 1)
	entry := logs[0]
	assert.Equal(t, report.Jobs[0].RunLogID, entry.ID)
	assert.Equal(t, "CAT1", entry.IDNumber)
	assert.Equal(t, "math", entry.Pattern)
	assert.Equal(t, model.ActionLock, entry.Action)
	assert.True(t, entry.Executed)
	require.NotNil(t, entry.ScheduledFor)
	assert.Equal(t, t0-1, entry.ScheduledFor.Unix())
	assert.Equal(t, t0, entry.ExecutionDate.Unix())
	assert.Equal(t, allMathCategories, entry.Impacted)
	assert.Equal(t, []model.RunLogDetail{
		{CategoryID: 1, IDNumber: "CAT1", CourseID: 2, Kind: model.KindCategory, ItemID: 101},
	}, entry.Detail)

	assert.Empty(t, listJobs(t, s), "job must be deleted")
}

func TestRunPass_LeavesFutureJobs(t *testing.T) {
	r, _, s, _ := newTestReconciler(t)

	insertJob(t, s, model.ScheduledJob{
		IDNumber:     "CAT1",
		Action:       model.ActionLock,
		ScheduledFor: time.Unix(t0+3600, 0),
	})

	report, err := r.RunPass(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Jobs)
	assert.Len(t, listJobs(t, s), 1)
	assert.Empty(t, listRunLogs(t, s))
	assert.False(t, getCategory(t, s, 1).Locked)
}

func TestRunJob_SkipsJobChangedAfterListing(t *testing.T) {
	r, _, s, _ := newTestReconciler(t)
	ctx := context.Background()
	log := slog.New(slog.DiscardHandler)
	now := time.Unix(t0, 0)

	listed := insertJob(t, s, model.ScheduledJob{
		IDNumber:     "CAT1",
		Action:       model.ActionLock,
		ScheduledFor: time.Unix(t0-1, 0),
	})

	// Rescheduled into the future between DueJobs and execution.
	moved := listed
	moved.ScheduledFor = time.Unix(t0+3600, 0)
	require.NoError(t, s.InTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateJob(ctx, moved)
	}))

	_, _, ran, err := r.runJob(ctx, log, listed, now)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Len(t, listJobs(t, s), 1)
	assert.Empty(t, listRunLogs(t, s))
	assert.False(t, getCategory(t, s, 1).Locked)

	// Deleted between DueJobs and execution.
	require.NoError(t, s.InTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteJob(ctx, listed.ID)
	}))
	_, _, ran, err = r.runJob(ctx, log, listed, now)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, listRunLogs(t, s))
}

func TestRunJob_UsesStoredJob(t *testing.T) {
	r, _, s, _ := newTestReconciler(t)
	ctx := context.Background()

	listed := insertJob(t, s, model.ScheduledJob{
		IDNumber:     "CAT1",
		Action:       model.ActionLock,
		ScheduledFor: time.Unix(t0-1, 0),
	})
	edited := listed
	edited.IDNumber = "CAT4"
	require.NoError(t, s.InTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateJob(ctx, edited)
	}))

	outcome, _, ran, err := r.runJob(ctx, slog.New(slog.DiscardHandler), listed, time.Unix(t0, 0))
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, "CAT4", outcome.IDNumber)
	assert.Equal(t, []int64{4}, outcome.Result.CategoryIDs)
	assert.False(t, getCategory(t, s, 1).Locked)
}

func TestRunPass_NoMatchStillLogsAndDeletes(t *testing.T) {
	r, _, s, _ := newTestReconciler(t)
	before := takeSnapshot(t, s)

	insertJob(t, s, model.ScheduledJob{
		IDNumber:     "CAT1",
		Pattern:      "zzz",
		Action:       model.ActionLock,
		ScheduledFor: time.Unix(t0-1, 0),
	})

	report, err := r.RunPass(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Jobs, 1)
	assert.Equal(t, 0, report.Jobs[0].Matched)

	logs := listRunLogs(t, s)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Executed)
	assert.Empty(t, logs[0].Impacted)
	assert.Empty(t, logs[0].Detail)
	assert.Empty(t, listJobs(t, s))
	assert.Equal(t, before, takeSnapshot(t, s))
}

func TestRunPass_JobsRunInScheduleOrderThenCatchUp(t *testing.T) {
	r, _, s, _ := newTestReconciler(t)

	insertJob(t, s, model.ScheduledJob{
		IDNumber:     "CAT2",
		Action:       model.ActionUnlock,
		ScheduledFor: time.Unix(t0-5, 0),
	})
	insertJob(t, s, model.ScheduledJob{
		IDNumber:     "CAT1",
		Pattern:      "MATH",
		Action:       model.ActionLock,
		ScheduledFor: time.Unix(t0-10, 0),
	})

	report, err := r.RunPass(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Jobs, 2)
	assert.Equal(t, "CAT1", report.Jobs[0].IDNumber)
	assert.Equal(t, "CAT2", report.Jobs[1].IDNumber)

	// Scheduled unlocks are forced, so the lock on 1 does not block 2.
	assert.Equal(t, []int64{2, 3}, report.Jobs[1].Result.CategoryIDs)
	assert.Empty(t, report.Jobs[1].Result.Blocked)
	assert.Len(t, listRunLogs(t, s), 2)

	// Catch-up in the same pass restores the inherited lock.
	assert.Equal(t, []int64{202, 203}, report.ItemsLocked)
	assert.Equal(t, []int64{2}, report.CategoriesPropagated)
	for _, id := range allMathCategories {
		assert.True(t, getCategory(t, s, id).Locked, "category %d", id)
	}
}

func TestRunPass_ItemFailureIsIsolated(t *testing.T) {
	// Depth 1 makes the walk from category 1 fail at category 3 while the
	// single-node tree under 10 succeeds.
	r, _, s, _ := newTestReconciler(t, WithMaxDepth(1))

	job := insertJob(t, s, model.ScheduledJob{
		IDNumber:     "CAT1",
		Action:       model.ActionLock,
		ScheduledFor: time.Unix(t0-1, 0),
	})

	report, err := r.RunPass(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	f := report.Failures[0]
	assert.Equal(t, StageJob, f.Stage)
	assert.Equal(t, job.ID, f.JobID)
	assert.Equal(t, int64(101), f.ItemID)
	assert.Equal(t, int64(1), f.CategoryID)
	assert.True(t, IsItemFailed(f.Err))
	assert.True(t, IsDepthExceeded(f.Err))
	assert.NotEmpty(t, f.Message)

	// Partial writes under category 1 were rolled back to the savepoint.
	assert.False(t, getCategory(t, s, 1).Locked)
	assert.False(t, getCategory(t, s, 2).Locked)
	assert.False(t, getItem(t, s, 101).Locked)
	assert.True(t, getCategory(t, s, 10).Locked)
	assert.True(t, getItem(t, s, 110).Locked)

	logs := listRunLogs(t, s)
	require.Len(t, logs, 1)
	assert.Equal(t, []int64{10}, logs[0].Impacted)
	assert.Len(t, logs[0].Detail, 2)
	assert.Empty(t, listJobs(t, s))

	assert.Equal(t, t0, report.Tracker.LastRunAt.Unix())
}

// ===== Catch-up =====

func TestRunPass_ItemCatchUpByIDFloor(t *testing.T) {
	r, e, s, clock := newTestReconciler(t)
	ctx := context.Background()

	_, err := e.Propagate(ctx, 1, true, false)
	require.NoError(t, err)

	// 150 is outside the time window but above the id floor; 90 is neither.
	old := time.Unix(t0-5000, 0)
	insertItem(t, s, model.Item{ID: 150, CourseID: 2, CategoryID: 3, Kind: model.KindLeaf, IDNumber: "LATE", ModifiedTime: old})
	insertItem(t, s, model.Item{ID: 90, CourseID: 2, CategoryID: 3, Kind: model.KindLeaf, IDNumber: "OLD", ModifiedTime: old})

	err = s.InTx(ctx, func(tx *store.Tx) error {
		return Tracker{}.Save(ctx, tx, model.TrackerState{
			LastRunAt:               time.Unix(t0, 0),
			LastProcessedItemID:     100,
			LastProcessedCategoryID: 10,
		})
	})
	require.NoError(t, err)

	now := clock.Advance(2 * time.Minute)
	report, err := r.RunPass(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{150}, report.ItemsLocked)
	late := getItem(t, s, 150)
	assert.True(t, late.Locked)
	assert.Equal(t, now.Unix(), late.LockTime.Unix())
	assert.False(t, getItem(t, s, 90).Locked)

	st, err := e.TrackerState(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.LastProcessedItemID, int64(150))
	assert.Equal(t, now.Unix(), st.LastRunAt.Unix())
	assert.Equal(t, report.Tracker, st)
}

func TestRunPass_CategoryCatchUp(t *testing.T) {
	r, e, s, clock := newTestReconciler(t)
	ctx := context.Background()

	_, err := e.Propagate(ctx, 1, true, false)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	insertCategory(t, s, model.Category{ID: 30, CourseID: 2, ParentID: 3, FullName: "Late addition"})
	insertItem(t, s, model.Item{ID: 130, CourseID: 2, ItemInstance: 30, CategoryID: 3, Kind: model.KindCategory, IDNumber: "CAT30"})
	insertItem(t, s, model.Item{ID: 230, CourseID: 2, CategoryID: 30, Kind: model.KindLeaf, IDNumber: "Q30"})

	report, err := r.RunPass(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)

	assert.Equal(t, []int64{230}, report.ItemsLocked)
	assert.Equal(t, []int64{30}, report.CategoriesPropagated)
	assert.True(t, getCategory(t, s, 30).Locked)
	assert.True(t, getItem(t, s, 130).Locked)
	assert.True(t, getItem(t, s, 230).Locked)
	assert.Equal(t, int64(30), report.Tracker.LastProcessedCategoryID)

	// Nothing left to do on the next pass.
	report, err = r.RunPass(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.ItemsLocked)
	assert.Empty(t, report.CategoriesPropagated)
}

func TestRunPass_RepairsProxyDrift(t *testing.T) {
	r, e, s, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := e.Propagate(ctx, 1, true, false)
	require.NoError(t, err)
	_, err = s.DB().Exec(`UPDATE items SET locked = 0 WHERE id = 103`)
	require.NoError(t, err)

	report, err := r.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, report.CategoriesPropagated)
	assert.True(t, getItem(t, s, 103).Locked)
}

func TestRunPass_UnlockedTreeStaysUnlocked(t *testing.T) {
	r, _, s, _ := newTestReconciler(t)
	before := takeSnapshot(t, s)

	report, err := r.RunPass(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.ItemsLocked)
	assert.Empty(t, report.CategoriesPropagated)
	assert.Equal(t, before, takeSnapshot(t, s))

	assert.Equal(t, model.TrackerState{
		LastRunAt:               time.Unix(t0, 0).UTC(),
		LastProcessedItemID:     210,
		LastProcessedCategoryID: 10,
	}, report.Tracker)
}

// ===== Lease and failure =====

func TestRunPass_SkippedWhenLeaseHeld(t *testing.T) {
	r, e, s, _ := newTestReconciler(t)
	ctx := context.Background()

	held, ok, err := lock.NewStoreLocker(s).Acquire(ctx, LeaseName, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	insertJob(t, s, model.ScheduledJob{
		IDNumber:     "CAT1",
		Action:       model.ActionLock,
		ScheduledFor: time.Unix(t0-1, 0),
	})

	report, err := r.RunPass(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Len(t, listJobs(t, s), 1)
	assert.Empty(t, listRunLogs(t, s))

	st, err := e.TrackerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TrackerState{}, st)

	require.NoError(t, held.Release(ctx))
	report, err = r.RunPass(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Empty(t, listJobs(t, s))
}

func TestRunPass_ReleasesLease(t *testing.T) {
	r, _, s, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.RunPass(ctx)
	require.NoError(t, err)

	_, held, err := s.LeaseOwner(ctx, LeaseName)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRunPass_AbortsWhenLeaseTakenOver(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	insertJob(t, s, model.ScheduledJob{
		IDNumber:     "CAT1",
		Action:       model.ActionLock,
		ScheduledFor: time.Unix(t0-1, 0),
	})

	// The first renewal finds the row owned by another pass, as if the
	// lease had expired and been claimed in between.
	calls := 0
	locker := lock.NewStoreLocker(s, lock.WithNow(func() time.Time {
		calls++
		if calls == 2 {
			_, err := s.DB().Exec(`UPDATE scheduler_locks SET owner = 'other' WHERE name = ?`, LeaseName)
			require.NoError(t, err)
		}
		return time.Unix(t0, 0)
	}))

	report, err := e.Reconciler(locker).RunPass(ctx)
	require.Error(t, err)
	assert.True(t, IsLockUnavailable(err))
	assert.Empty(t, report.Jobs)

	assert.Len(t, listJobs(t, s), 1)
	assert.Empty(t, listRunLogs(t, s))
	assert.False(t, getCategory(t, s, 1).Locked)

	owner, held, err := s.LeaseOwner(ctx, LeaseName)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "other", owner)
}

func TestRunPass_RenewsLeaseBetweenStages(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	var expiries []int64
	locker := lock.NewStoreLocker(s, lock.WithNow(func() time.Time {
		var exp int64
		if err := s.DB().QueryRow(`SELECT expires_at FROM scheduler_locks WHERE name = ?`, LeaseName).Scan(&exp); err == nil {
			expiries = append(expiries, exp)
		}
		return time.Unix(t0+int64(len(expiries))*60, 0)
	}))

	_, err := e.Reconciler(locker).RunPass(ctx)
	require.NoError(t, err)

	// Acquire, then one renewal per stage: item catch-up, category
	// catch-up and the tracker commit. Each renewal moved the expiry on.
	require.Len(t, expiries, 3)
	assert.Less(t, expiries[0], expiries[1])
	assert.Less(t, expiries[1], expiries[2])
}

func TestRunPass_StoreFailureLeavesTrackerUntouched(t *testing.T) {
	r, _, s, _ := newTestReconciler(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *store.Tx) error {
		return tx.SetSetting(ctx, SettingLastItemID, "garbage")
	})
	require.NoError(t, err)
	insertJob(t, s, model.ScheduledJob{
		IDNumber:     "CAT1",
		Action:       model.ActionLock,
		ScheduledFor: time.Unix(t0-1, 0),
	})

	report, err := r.RunPass(ctx)
	require.Error(t, err)
	assert.True(t, IsStoreFailure(err))
	assert.False(t, report.Skipped)

	assert.Len(t, listJobs(t, s), 1)
	assert.False(t, getCategory(t, s, 1).Locked)

	var runAtSet bool
	var raw string
	err = s.ReadTx(ctx, func(tx *store.Tx) error {
		var err error
		if _, runAtSet, err = tx.Setting(ctx, SettingLastRunAt); err != nil {
			return err
		}
		raw, _, err = tx.Setting(ctx, SettingLastItemID)
		return err
	})
	require.NoError(t, err)
	assert.False(t, runAtSet)
	assert.Equal(t, "garbage", raw)

	// The lease was released despite the failure.
	_, held, err := s.LeaseOwner(ctx, LeaseName)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRunPass_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, _, s, _ := newTestReconciler(t, WithMetrics(metrics.New(reg)))

	insertJob(t, s, model.ScheduledJob{
		IDNumber:     "CAT1",
		Action:       model.ActionLock,
		ScheduledFor: time.Unix(t0-1, 0),
	})

	_, err := r.RunPass(context.Background())
	require.NoError(t, err)

	expected := `
# HELP gradelock_reconcile_jobs_executed_total Scheduled jobs executed and deleted
# TYPE gradelock_reconcile_jobs_executed_total counter
gradelock_reconcile_jobs_executed_total 1
# HELP gradelock_reconcile_passes_total Reconciliation passes by result (ok, skipped, failed)
# TYPE gradelock_reconcile_passes_total counter
gradelock_reconcile_passes_total{result="ok"} 1
`
	err = promtest.GatherAndCompare(reg, strings.NewReader(expected),
		"gradelock_reconcile_jobs_executed_total",
		"gradelock_reconcile_passes_total",
	)
	assert.NoError(t, err)
}

// ===== Helpers =====

func TestInheritsLock(t *testing.T) {
	_, e, s, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := e.Propagate(ctx, 2, true, false)
	require.NoError(t, err)

	err = s.ReadTx(ctx, func(tx *store.Tx) error {
		cache := map[int64]bool{}
		for id, want := range map[int64]bool{1: false, 2: true, 3: true, 4: false, 999: false} {
			got, err := inheritsLock(ctx, tx, id, cache)
			require.NoError(t, err)
			assert.Equal(t, want, got, "category %d", id)
		}
		assert.Len(t, cache, 5)
		return nil
	})
	require.NoError(t, err)
}
