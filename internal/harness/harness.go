package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/gradelock/internal/engine"
	"github.com/roach88/gradelock/internal/fixture"
	"github.com/roach88/gradelock/internal/lock"
	"github.com/roach88/gradelock/internal/model"
	"github.com/roach88/gradelock/internal/store"
	"github.com/roach88/gradelock/internal/testutil"
)

// Harness is the test execution engine.
// It runs scenario steps on a fixed clock against one store.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	recon  *engine.Reconciler
	locker *lock.StoreLocker
	clock  *testutil.FixedClock
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database seeded from its fixture.
// Step failures that the scenario did not expect and failed assertions are
// reported in the result; the returned error is reserved for setup problems.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	fx, err := fixture.Load(scenario.Fixture)
	if err != nil {
		return nil, fmt.Errorf("failed to load fixture: %w", err)
	}
	if _, err := fx.Apply(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to apply fixture: %w", err)
	}

	h := newHarness(st, scenario)

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute steps[%d]: %w", i, err)
		}
	}

	state, err := snapshotState(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot state: %w", err)
	}
	result.State = state

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func newHarness(st *store.Store, scenario *Scenario) *Harness {
	start := scenario.Clock
	if start == 0 {
		start = DefaultClock
	}
	clock := testutil.NewFixedClockUnix(start)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	opts := []engine.EngineOption{
		engine.WithClock(clock),
		engine.WithLogger(logger),
		engine.WithIDGenerator(testutil.NewFixedIDGenerator(scenario.PassID)),
	}
	if scenario.MaxDepth > 0 {
		opts = append(opts, engine.WithMaxDepth(scenario.MaxDepth))
	}
	eng := engine.New(st, opts...)
	locker := lock.NewStoreLocker(st, lock.WithNow(clock.Now))

	return &Harness{
		store:  st,
		engine: eng,
		recon:  eng.Reconciler(locker),
		locker: locker,
		clock:  clock,
	}
}

// executeStep runs one step, records it in the trace and checks its
// expectation.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	kind := step.Kind()
	outcome, stepErr := h.dispatch(ctx, kind, step)

	ev := TraceEvent{Step: kind, Clock: h.clock.Now().Unix()}
	if stepErr != nil {
		ev.Error = errorCode(stepErr)
	} else {
		ev.Outcome = outcome
	}
	result.AddTrace(ev)

	label := fmt.Sprintf("steps[%d] (%s)", index, kind)
	want := step.Expect
	if want == nil {
		want = &Expect{}
	}

	switch {
	case want.Error != "" && stepErr == nil:
		result.AddError(fmt.Sprintf("%s: expected error %q, step succeeded", label, want.Error))
		return nil
	case want.Error == "" && stepErr != nil:
		result.AddError(fmt.Sprintf("%s: unexpected error: %v", label, stepErr))
		return nil
	case stepErr != nil:
		if ev.Error != want.Error && !strings.Contains(stepErr.Error(), want.Error) {
			result.AddError(fmt.Sprintf("%s: expected error %q, got %v", label, want.Error, stepErr))
		}
		return nil
	}

	for _, msg := range checkExpect(want, outcome) {
		result.AddError(label + ": " + msg)
	}
	return nil
}

// dispatch runs the step and returns its outcome map. An error from the
// engine or store is a step failure, not a harness failure.
func (h *Harness) dispatch(ctx context.Context, kind string, step Step) (map[string]any, error) {
	switch kind {
	case StepApply:
		res, err := h.engine.Apply(ctx, actionRequest(step.Apply))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"run_log":    res.RunLog.ID,
			"categories": ids(res.RunLog.Impacted),
			"items":      ids(res.Result.ItemIDs),
			"blocked":    ids(res.Result.Blocked),
		}, nil

	case StepPreview:
		set, err := h.engine.Preview(ctx, actionRequest(step.Preview))
		if err != nil {
			return nil, err
		}
		return impactOutcome(set.CategoryIDs, set.ItemIDs, set.Blocked), nil

	case StepPropagate:
		p := step.Propagate
		res, err := h.engine.Propagate(ctx, p.Category, model.Action(p.Action).Locks(), p.Force)
		if err != nil {
			return nil, err
		}
		return impactOutcome(res.CategoryIDs, res.ItemIDs, res.Blocked), nil

	case StepSchedule:
		return h.schedule(ctx, step.Schedule)

	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return nil, err
		}
		h.clock.Advance(d)
		return nil, nil

	case StepReconcile:
		return h.reconcile(ctx, step.Reconcile)

	case StepSQL:
		res, err := h.store.DB().ExecContext(ctx, step.SQL)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": n}, nil
	}
	return nil, fmt.Errorf("unknown step type %q", kind)
}

func (h *Harness) schedule(ctx context.Context, s *ScheduleStep) (map[string]any, error) {
	var in time.Duration
	if s.In != "" {
		d, err := time.ParseDuration(s.In)
		if err != nil {
			return nil, err
		}
		in = d
	}
	now := h.clock.Now()

	var job model.ScheduledJob
	err := h.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = tx.InsertJob(ctx, model.ScheduledJob{
			IDNumber:     s.IDNumber,
			Pattern:      s.Pattern,
			Action:       model.Action(s.Action),
			ScheduledFor: now.Add(in),
			CreatedAt:    now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"job":           job.ID,
		"scheduled_for": job.ScheduledFor.Unix(),
	}, nil
}

func (h *Harness) reconcile(ctx context.Context, s *ReconcileStep) (map[string]any, error) {
	if s.HoldLease {
		lease, ok, err := h.locker.Acquire(ctx, engine.LeaseName, engine.DefaultLeaseTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New("reconcile lease already held")
		}
		defer lease.Release(context.WithoutCancel(ctx))
	}

	report, err := h.recon.RunPass(ctx)
	if err != nil {
		return nil, err
	}

	jobCats := []int64{}
	for _, j := range report.Jobs {
		jobCats = model.UnionIDs(jobCats, j.Result.CategoryIDs)
	}
	return map[string]any{
		"skipped":               report.Skipped,
		"jobs":                  int64(len(report.Jobs)),
		"categories":            jobCats,
		"items_locked":          ids(report.ItemsLocked),
		"categories_propagated": ids(report.CategoriesPropagated),
		"failures":              int64(len(report.Failures)),
		"last_item_id":          report.Tracker.LastProcessedItemID,
		"last_category_id":      report.Tracker.LastProcessedCategoryID,
	}, nil
}

// checkExpect compares the non-nil fields of want against outcome.
func checkExpect(want *Expect, outcome map[string]any) []string {
	var errs []string
	checkIDs := func(key string, expected []int64) {
		if expected == nil {
			return
		}
		actual, ok := outcome[key].([]int64)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: not reported by this step", key))
			return
		}
		if !slices.Equal(expected, actual) {
			errs = append(errs, fmt.Sprintf("%s: expected %v, got %v", key, expected, actual))
		}
	}
	checkCount := func(key string, expected *int) {
		if expected == nil {
			return
		}
		actual, ok := outcome[key].(int64)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: not reported by this step", key))
			return
		}
		if int64(*expected) != actual {
			errs = append(errs, fmt.Sprintf("%s: expected %d, got %d", key, *expected, actual))
		}
	}

	checkIDs("categories", want.Categories)
	checkIDs("items", want.Items)
	checkIDs("blocked", want.Blocked)
	checkIDs("items_locked", want.ItemsLocked)
	checkIDs("categories_propagated", want.CategoriesPropagated)
	checkCount("jobs", want.Jobs)
	checkCount("failures", want.Failures)

	if want.Skipped != nil {
		actual, ok := outcome["skipped"].(bool)
		switch {
		case !ok:
			errs = append(errs, "skipped: not reported by this step")
		case actual != *want.Skipped:
			errs = append(errs, fmt.Sprintf("skipped: expected %t, got %t", *want.Skipped, actual))
		}
	}
	return errs
}

func actionRequest(a *ActionStep) engine.ActionRequest {
	return engine.ActionRequest{
		IDNumber: a.IDNumber,
		Pattern:  a.Pattern,
		Action:   model.Action(a.Action),
		Force:    a.Force,
	}
}

func impactOutcome(cats, items, blocked []int64) map[string]any {
	return map[string]any{
		"categories": ids(cats),
		"items":      ids(items),
		"blocked":    ids(blocked),
	}
}

// ids keeps empty lists as [] in the trace.
func ids(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

// errorCode reduces err to a stable trace value.
func errorCode(err error) string {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return string(ee.Code)
	}
	if engine.IsDepthExceeded(err) {
		return string(engine.ErrCodeDepthExceeded)
	}
	return "ERROR"
}

// snapshotState reads the locked rows and table sizes.
func snapshotState(ctx context.Context, st *store.Store) (State, error) {
	state := State{LockedCategories: []int64{}, LockedItems: []int64{}}

	var err error
	if state.LockedCategories, err = queryIDs(ctx, st, `SELECT id FROM categories WHERE locked = 1 ORDER BY id`); err != nil {
		return State{}, err
	}
	if state.LockedItems, err = queryIDs(ctx, st, `SELECT id FROM items WHERE locked = 1 ORDER BY id`); err != nil {
		return State{}, err
	}
	if err := st.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_jobs`).Scan(&state.Jobs); err != nil {
		return State{}, fmt.Errorf("count jobs: %w", err)
	}
	if err := st.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM run_logs`).Scan(&state.RunLogs); err != nil {
		return State{}, fmt.Errorf("count run logs: %w", err)
	}
	return state, nil
}

func queryIDs(ctx context.Context, st *store.Store, query string) ([]int64, error) {
	rows, err := st.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	out := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
