package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/gradelock/internal/lock"
	"github.com/roach88/gradelock/internal/metrics"
	"github.com/roach88/gradelock/internal/model"
	"github.com/roach88/gradelock/internal/store"
)

// LeaseName is the lease every reconciliation pass runs under.
const LeaseName = "gradelock_reconcile"

// Stages an ItemOutcome can come from.
const (
	StageJob             = "job"
	StageItemCatchUp     = "item_catchup"
	StageCategoryCatchUp = "category_catchup"
)

// ItemOutcome records one item or category whose processing failed and was
// rolled back to its savepoint. The rest of its batch still committed.
type ItemOutcome struct {
	Stage      string `json:"stage"`
	JobID      int64  `json:"job_id,omitempty"`
	ItemID     int64  `json:"item_id,omitempty"`
	CategoryID int64  `json:"category_id,omitempty"`
	Err        error  `json:"-"`
	Message    string `json:"error"`
}

// JobOutcome summarizes one executed scheduled job.
type JobOutcome struct {
	JobID    int64                   `json:"job_id"`
	IDNumber string                  `json:"idnumber"`
	Action   model.Action            `json:"action"`
	RunLogID int64                   `json:"run_log_id"`
	Matched  int                     `json:"matched"`
	Result   model.PropagationResult `json:"result"`
}

// PassReport is the outcome of one RunPass call.
type PassReport struct {
	PassID               string             `json:"pass_id"`
	Skipped              bool               `json:"skipped"`
	Jobs                 []JobOutcome       `json:"jobs"`
	ItemsLocked          []int64            `json:"items_locked"`
	CategoriesPropagated []int64            `json:"categories_propagated"`
	Failures             []ItemOutcome      `json:"failures"`
	Tracker              model.TrackerState `json:"tracker"`
}

// Reconciler runs reconciliation passes.
//
// A pass holds the lease for its whole duration. Each due job and each
// catch-up batch commits in its own transaction; the tracker only advances
// once every step finished.
type Reconciler struct {
	store      *store.Store
	locker     lock.Locker
	propagator *Propagator
	tracker    Tracker
	clock      Clock
	ids        IDGenerator
	logger     *slog.Logger
	metrics    *metrics.Metrics
	margin     time.Duration
	leaseTTL   time.Duration
}

// Reconciler creates a reconciler sharing e's store, propagator and options.
func (e *Engine) Reconciler(locker lock.Locker) *Reconciler {
	return &Reconciler{
		store:      e.store,
		locker:     locker,
		propagator: e.propagator,
		tracker:    e.tracker,
		clock:      e.clock,
		ids:        e.ids,
		logger:     e.logger,
		metrics:    e.metrics,
		margin:     e.margin,
		leaseTTL:   e.leaseTTL,
	}
}

// RunPass executes one reconciliation pass.
//
// If the lease is held elsewhere the pass is skipped: the report has
// Skipped=true and the error is nil. A store failure aborts the pass,
// leaves the tracker untouched and is returned.
func (r *Reconciler) RunPass(ctx context.Context) (PassReport, error) {
	started := time.Now()
	report := PassReport{
		PassID:               r.ids.Generate(),
		Jobs:                 []JobOutcome{},
		ItemsLocked:          []int64{},
		CategoriesPropagated: []int64{},
		Failures:             []ItemOutcome{},
	}
	log := r.logger.With("pass", report.PassID)

	lease, ok, err := r.locker.Acquire(ctx, LeaseName, r.leaseTTL)
	if err != nil {
		log.Warn("reconcile pass skipped: lease backend failed", "error", err)
	}
	if err != nil || !ok {
		if err == nil {
			log.Info("reconcile pass skipped: lease held elsewhere")
		}
		r.metrics.PassSkipped()
		report.Skipped = true
		return report, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("release reconcile lease", "error", err)
		}
	}()

	if err := r.run(ctx, log, lease, &report); err != nil {
		r.metrics.PassFailed()
		log.Error("reconcile pass failed", "error", err)
		return report, err
	}

	r.metrics.PassCompleted(time.Since(started))
	log.Info("reconcile pass completed",
		"jobs", len(report.Jobs),
		"items_locked", len(report.ItemsLocked),
		"categories_propagated", len(report.CategoriesPropagated),
		"failures", len(report.Failures),
		"last_item_id", report.Tracker.LastProcessedItemID,
		"last_category_id", report.Tracker.LastProcessedCategoryID,
	)
	return report, nil
}

func (r *Reconciler) run(ctx context.Context, log *slog.Logger, lease *lock.Lease, report *PassReport) error {
	var state model.TrackerState
	err := r.store.ReadTx(ctx, func(tx *store.Tx) error {
		var err error
		state, err = r.tracker.Load(ctx, tx)
		return err
	})
	if err != nil {
		return storeFailure("load tracker", 0, err)
	}

	now := r.clock.Now()
	since := r.tracker.Window(state, r.margin)
	log.Debug("reconcile pass started",
		"now", now,
		"since", since,
		"last_item_id", state.LastProcessedItemID,
		"last_category_id", state.LastProcessedCategoryID,
	)

	if err := r.drainJobs(ctx, log, lease, now, report); err != nil {
		return err
	}

	if err := r.keepLease(ctx, lease, StageItemCatchUp); err != nil {
		return err
	}
	maxItem, err := r.catchUpItems(ctx, log, state, since, now, report)
	if err != nil {
		return err
	}

	if err := r.keepLease(ctx, lease, StageCategoryCatchUp); err != nil {
		return err
	}
	maxCat, err := r.catchUpCategories(ctx, log, state, since, report)
	if err != nil {
		return err
	}

	if err := r.keepLease(ctx, lease, "tracker"); err != nil {
		return err
	}
	next := model.TrackerState{
		LastRunAt:               now,
		LastProcessedItemID:     max(state.LastProcessedItemID, maxItem),
		LastProcessedCategoryID: max(state.LastProcessedCategoryID, maxCat),
	}
	err = r.store.InTx(ctx, func(tx *store.Tx) error {
		return r.tracker.Save(ctx, tx, next)
	})
	if err != nil {
		return storeFailure("save tracker", 0, err)
	}
	report.Tracker = next
	return nil
}

// drainJobs executes every due job in schedule order, one transaction each.
func (r *Reconciler) drainJobs(ctx context.Context, log *slog.Logger, lease *lock.Lease, now time.Time, report *PassReport) error {
	var jobs []model.ScheduledJob
	err := r.store.ReadTx(ctx, func(tx *store.Tx) error {
		var err error
		jobs, err = tx.DueJobs(ctx, now)
		return err
	})
	if err != nil {
		return storeFailure("read due jobs", 0, err)
	}

	for _, job := range jobs {
		if err := r.keepLease(ctx, lease, StageJob); err != nil {
			err.JobID = job.ID
			return err
		}
		outcome, failures, ran, err := r.runJob(ctx, log, job, now)
		if err != nil {
			e := storeFailure("execute job", 0, err)
			e.JobID = job.ID
			return e
		}
		if !ran {
			log.Info("scheduled job changed before it ran", "job", job.ID)
			continue
		}
		report.Jobs = append(report.Jobs, outcome)
		report.Failures = append(report.Failures, failures...)
		r.metrics.JobExecuted()
		log.Info("scheduled job executed",
			"job", job.ID,
			"idnumber", job.IDNumber,
			"pattern", job.Pattern,
			"action", job.Action,
			"matched", outcome.Matched,
			"impacted", len(outcome.Result.CategoryIDs),
			"run_log", outcome.RunLogID,
		)
	}
	return nil
}

// keepLease renews the pass lease before the next stage writes. A lease
// that expired and was taken over aborts the pass.
func (r *Reconciler) keepLease(ctx context.Context, lease *lock.Lease, stage string) *Error {
	held, err := lease.Extend(ctx, r.leaseTTL)
	if err != nil {
		return &Error{Code: ErrCodeLockUnavailable, Message: "renew lease before " + stage, Err: err}
	}
	if !held {
		return &Error{Code: ErrCodeLockUnavailable, Message: "lease lost before " + stage}
	}
	return nil
}

// runJob propagates every item matched by job with force=true, appends its
// RunLog and deletes the job. An empty match set still logs and deletes.
// The job is re-read inside the transaction; ran is false when it was
// deleted or rescheduled into the future after DueJobs listed it.
func (r *Reconciler) runJob(ctx context.Context, log *slog.Logger, job model.ScheduledJob, now time.Time) (outcome JobOutcome, failures []ItemOutcome, ran bool, err error) {
	err = r.store.InTx(ctx, func(tx *store.Tx) error {
		failures = nil
		ran = false

		current, err := tx.Job(ctx, job.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !current.Due(now) {
			return nil
		}
		job = current
		ran = true

		items, err := matchItems(ctx, tx, job.IDNumber, job.Pattern)
		if err != nil {
			return err
		}

		merged := model.PropagationResult{CategoryIDs: []int64{}, ItemIDs: []int64{}, Blocked: []int64{}}
		detail := make([]model.RunLogDetail, 0, len(items))
		for _, it := range items {
			detail = append(detail, detailFor(it))
			root := it.OwningCategory()

			var res model.PropagationResult
			err := tx.Savepoint(ctx, func() error {
				var err error
				res, err = r.propagator.Propagate(ctx, tx, root, job.Action.Locks(), true)
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures = append(failures, r.itemFailure(log, StageJob, itemFailed(job.ID, it.ID, root, err)))
				continue
			}
			merged = merged.Merge(res)
		}

		scheduledFor := job.ScheduledFor
		entry := model.RunLog{
			IDNumber:      job.IDNumber,
			Pattern:       job.Pattern,
			Action:        job.Action,
			ScheduledFor:  &scheduledFor,
			Executed:      true,
			ExecutionDate: now,
			Impacted:      model.UnionIDs(merged.CategoryIDs),
			Detail:        detail,
		}
		id, err := tx.AppendRunLog(ctx, entry)
		if err != nil {
			return err
		}
		if err := tx.DeleteJob(ctx, job.ID); err != nil {
			return err
		}

		outcome = JobOutcome{
			JobID:    job.ID,
			IDNumber: job.IDNumber,
			Action:   job.Action,
			RunLogID: id,
			Matched:  len(items),
			Result:   merged,
		}
		return nil
	})
	if err != nil {
		return JobOutcome{}, nil, false, err
	}
	return outcome, failures, ran, nil
}

// catchUpItems locks unlocked leaf items that sit under a locked category
// and changed inside the window (or are newer than the id floor). It
// returns the highest item id seen.
func (r *Reconciler) catchUpItems(ctx context.Context, log *slog.Logger, state model.TrackerState, since, now time.Time, report *PassReport) (int64, error) {
	var maxID int64
	var locked []int64
	var failures []ItemOutcome

	err := r.store.InTx(ctx, func(tx *store.Tx) error {
		maxID, locked, failures = 0, nil, nil

		items, err := tx.ItemsChangedSince(ctx, since, state.LastProcessedItemID)
		if err != nil {
			return err
		}

		inherits := make(map[int64]bool)
		for _, it := range items {
			maxID = max(maxID, it.ID)
			if it.IsProxy() || it.Locked {
				continue
			}

			err := tx.Savepoint(ctx, func() error {
				ok, err := inheritsLock(ctx, tx, it.CategoryID, inherits)
				if err != nil || !ok {
					return err
				}
				it.Locked = true
				it.LockTime = now
				it.ModifiedTime = now
				if err := tx.UpdateItem(ctx, it); err != nil {
					e := storeFailure("update item", it.CategoryID, err)
					e.ItemID = it.ID
					return e
				}
				locked = append(locked, it.ID)
				return nil
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures = append(failures, r.itemFailure(log, StageItemCatchUp, itemFailed(0, it.ID, it.CategoryID, err)))
			}
		}
		return nil
	})
	if err != nil {
		return 0, storeFailure("item catch-up", 0, err)
	}

	report.ItemsLocked = append(report.ItemsLocked, locked...)
	report.Failures = append(report.Failures, failures...)
	r.metrics.CatchUp(len(locked), 0)
	return maxID, nil
}

// catchUpCategories propagates a lock into categories that changed inside
// the window, sit under a locked ancestor and have not received the lock
// yet. It returns the highest category id seen.
func (r *Reconciler) catchUpCategories(ctx context.Context, log *slog.Logger, state model.TrackerState, since time.Time, report *PassReport) (int64, error) {
	var maxID int64
	var propagated []int64
	var failures []ItemOutcome

	err := r.store.InTx(ctx, func(tx *store.Tx) error {
		maxID, propagated, failures = 0, nil, nil

		cats, err := tx.CategoriesChangedSince(ctx, since, state.LastProcessedCategoryID)
		if err != nil {
			return err
		}

		for _, c := range cats {
			maxID = max(maxID, c.ID)

			var did bool
			err := tx.Savepoint(ctx, func() error {
				// Re-read: an earlier propagation in this batch may have
				// already locked it.
				cur, ok, err := tx.Category(ctx, c.ID)
				if err != nil || !ok {
					return err
				}
				underLock, err := ancestorLocked(ctx, tx, cur, nil)
				if err != nil || !underLock {
					return err
				}
				done, err := receivedInheritance(ctx, tx, cur)
				if err != nil || done {
					return err
				}
				if _, err := r.propagator.Propagate(ctx, tx, cur.ID, true, false); err != nil {
					return err
				}
				did = true
				return nil
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures = append(failures, r.itemFailure(log, StageCategoryCatchUp, itemFailed(0, 0, c.ID, err)))
				continue
			}
			if did {
				propagated = append(propagated, c.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, storeFailure("category catch-up", 0, err)
	}

	report.CategoriesPropagated = append(report.CategoriesPropagated, propagated...)
	report.Failures = append(report.Failures, failures...)
	r.metrics.CatchUp(0, len(propagated))
	return maxID, nil
}

func (r *Reconciler) itemFailure(log *slog.Logger, stage string, e *Error) ItemOutcome {
	r.metrics.ItemFailed()
	log.Warn("item processing failed",
		"stage", stage,
		"job", e.JobID,
		"item", e.ItemID,
		"category", e.CategoryID,
		"error", e.Err,
	)
	return ItemOutcome{
		Stage:      stage,
		JobID:      e.JobID,
		ItemID:     e.ItemID,
		CategoryID: e.CategoryID,
		Err:        e,
		Message:    e.Err.Error(),
	}
}

// inheritsLock reports whether a leaf in categoryID must be locked: the
// category itself or one of its ancestors is locked. Results are memoized
// in cache for the duration of one batch.
func inheritsLock(ctx context.Context, q Entities, categoryID int64, cache map[int64]bool) (bool, error) {
	if v, ok := cache[categoryID]; ok {
		return v, nil
	}
	cat, ok, err := q.Category(ctx, categoryID)
	if err != nil {
		return false, storeFailure("read category", categoryID, err)
	}
	if !ok {
		cache[categoryID] = false
		return false, nil
	}

	locked, err := categoryLocked(ctx, q, cat.ID, nil)
	if err != nil {
		return false, err
	}
	if !locked {
		locked, err = ancestorLocked(ctx, q, cat, nil)
		if err != nil {
			return false, err
		}
	}
	cache[categoryID] = locked
	return locked, nil
}

// receivedInheritance reports whether c and its proxy are both locked.
func receivedInheritance(ctx context.Context, q Entities, c model.Category) (bool, error) {
	if !c.Locked {
		return false, nil
	}
	proxy, ok, err := q.ProxyItem(ctx, c.ID)
	if err != nil {
		return false, storeFailure("read proxy item", c.ID, err)
	}
	return !ok || proxy.Locked, nil
}
