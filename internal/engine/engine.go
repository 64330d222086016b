package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/gradelock/internal/metrics"
	"github.com/roach88/gradelock/internal/model"
	"github.com/roach88/gradelock/internal/store"
)

// DefaultLeaseTTL bounds how long a crashed pass can keep others out.
const DefaultLeaseTTL = 10 * time.Minute

// Engine is the entry point for interactive propagation and the factory
// for the reconciler. It owns one walker shared by the propagator and the
// collector, so previews and writes can never disagree on reachability.
//
// Thread-safety: Engine holds no mutable state of its own; concurrent calls
// are serialized by the store's single connection.
type Engine struct {
	store   *store.Store
	clock   Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	ids     IDGenerator

	maxDepth int
	margin   time.Duration
	leaseTTL time.Duration

	walker     *Walker
	propagator *Propagator
	collector  *Collector
	tracker    Tracker
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock sets the time source for lock stamps and run logs.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the Prometheus recorder. Default: nil (no metrics).
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithMaxDepth sets the walker depth bound.
//
// Default: 64 (DefaultMaxDepth)
func WithMaxDepth(n int) EngineOption {
	return func(e *Engine) {
		e.maxDepth = n
	}
}

// WithMargin sets the overlap of the catch-up time window.
//
// Default: 1h (DefaultMargin)
func WithMargin(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.margin = d
	}
}

// WithLeaseTTL sets how long a reconciliation lease lives.
//
// Default: 10m (DefaultLeaseTTL)
func WithLeaseTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.leaseTTL = d
	}
}

// WithIDGenerator sets the pass id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// New creates an Engine over s.
func New(s *store.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    s,
		clock:    SystemClock{},
		logger:   slog.Default(),
		ids:      UUIDv7Generator{},
		maxDepth: DefaultMaxDepth,
		margin:   DefaultMargin,
		leaseTTL: DefaultLeaseTTL,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.walker = NewWalker(e.maxDepth)
	e.propagator = NewPropagator(e.walker, e.clock, e.metrics)
	e.collector = NewCollector(e.walker)
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Propagate runs one propagation in its own transaction.
func (e *Engine) Propagate(ctx context.Context, root int64, lock, force bool) (model.PropagationResult, error) {
	var res model.PropagationResult
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		res, err = e.propagator.Propagate(ctx, tx, root, lock, force)
		return err
	})
	if err != nil {
		return model.PropagationResult{}, fmt.Errorf("propagate %d: %w", root, err)
	}

	if res.Empty() {
		e.logger.Debug("nothing to propagate", "root", root, "action", model.ActionFor(lock))
		return res, nil
	}
	e.logger.Info("propagated",
		"root", root,
		"action", model.ActionFor(lock),
		"force", force,
		"categories", len(res.CategoryIDs),
		"items", len(res.ItemIDs),
		"blocked", res.Blocked,
	)
	return res, nil
}

// Collect previews locking roots. Nothing is written.
func (e *Engine) Collect(ctx context.Context, roots []int64) (model.ImpactSet, error) {
	return e.CollectFor(ctx, roots, true, false)
}

// CollectFor previews propagating lock (or unlock) from roots.
func (e *Engine) CollectFor(ctx context.Context, roots []int64, lock, force bool) (model.ImpactSet, error) {
	var set model.ImpactSet
	err := e.store.ReadTx(ctx, func(tx *store.Tx) error {
		var err error
		set, err = e.collector.CollectFor(ctx, tx, roots, lock, force)
		return err
	})
	if err != nil {
		return model.ImpactSet{}, fmt.Errorf("collect: %w", err)
	}
	return set, nil
}

// ActionRequest is an immediate lock or unlock by idnumber.
type ActionRequest struct {
	IDNumber string
	Pattern  string // optional course short-name filter
	Action   model.Action
	Force    bool // bypass the ancestor guard on unlock
}

// ActionResult is what Apply wrote.
type ActionResult struct {
	RunLog model.RunLog            `json:"run_log"`
	Result model.PropagationResult `json:"result"`
}

func (r ActionRequest) validate() error {
	if strings.TrimSpace(r.IDNumber) == "" {
		return ErrEmptyIDNumber
	}
	if _, err := model.ParseAction(string(r.Action)); err != nil {
		return err
	}
	return nil
}

// Apply resolves the items labelled req.IDNumber (filtered by pattern),
// propagates from each owning category and appends one RunLog, all in one
// transaction.
func (e *Engine) Apply(ctx context.Context, req ActionRequest) (ActionResult, error) {
	if err := req.validate(); err != nil {
		return ActionResult{}, err
	}
	now := e.clock.Now()

	var out ActionResult
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		items, err := matchItems(ctx, tx, req.IDNumber, req.Pattern)
		if err != nil {
			return err
		}

		merged := model.PropagationResult{CategoryIDs: []int64{}, ItemIDs: []int64{}, Blocked: []int64{}}
		for _, root := range owningRoots(items) {
			res, err := e.propagator.Propagate(ctx, tx, root, req.Action.Locks(), req.Force)
			if err != nil {
				return err
			}
			merged = merged.Merge(res)
		}

		detail := make([]model.RunLogDetail, 0, len(items))
		for _, it := range items {
			detail = append(detail, detailFor(it))
		}

		entry := model.RunLog{
			IDNumber:      req.IDNumber,
			Pattern:       req.Pattern,
			Action:        req.Action,
			Executed:      true,
			ExecutionDate: now,
			Impacted:      model.UnionIDs(merged.CategoryIDs),
			Detail:        detail,
		}
		id, err := tx.AppendRunLog(ctx, entry)
		if err != nil {
			return storeFailure("append run log", 0, err)
		}
		entry.ID = id

		out = ActionResult{RunLog: entry, Result: merged}
		return nil
	})
	if err != nil {
		return ActionResult{}, fmt.Errorf("apply %s %q: %w", req.Action, req.IDNumber, err)
	}

	e.logger.Info("action applied",
		"idnumber", req.IDNumber,
		"pattern", req.Pattern,
		"action", req.Action,
		"force", req.Force,
		"run_log", out.RunLog.ID,
		"impacted", len(out.RunLog.Impacted),
		"blocked", out.Result.Blocked,
	)
	return out, nil
}

// Preview returns what Apply would touch for req. Nothing is written.
func (e *Engine) Preview(ctx context.Context, req ActionRequest) (model.ImpactSet, error) {
	if err := req.validate(); err != nil {
		return model.ImpactSet{}, err
	}

	var set model.ImpactSet
	err := e.store.ReadTx(ctx, func(tx *store.Tx) error {
		items, err := matchItems(ctx, tx, req.IDNumber, req.Pattern)
		if err != nil {
			return err
		}
		set, err = e.collector.CollectFor(ctx, tx, owningRoots(items), req.Action.Locks(), req.Force)
		return err
	})
	if err != nil {
		return model.ImpactSet{}, fmt.Errorf("preview %s %q: %w", req.Action, req.IDNumber, err)
	}
	return set, nil
}

// TrackerState reads the persisted high-water marks.
func (e *Engine) TrackerState(ctx context.Context) (model.TrackerState, error) {
	var st model.TrackerState
	err := e.store.ReadTx(ctx, func(tx *store.Tx) error {
		var err error
		st, err = e.tracker.Load(ctx, tx)
		return err
	})
	return st, err
}

// ResetTracker forgets the high-water marks.
func (e *Engine) ResetTracker(ctx context.Context) error {
	return e.store.InTx(ctx, func(tx *store.Tx) error {
		return e.tracker.Reset(ctx, tx)
	})
}
