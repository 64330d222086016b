package engine

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is the reconciliation cadence.
const DefaultInterval = 2 * time.Minute

// Passer runs one reconciliation pass. *Reconciler implements it.
type Passer interface {
	RunPass(ctx context.Context) (PassReport, error)
}

// Scheduler drives a Passer on a fixed interval.
//
// A pass runs immediately on Run and then once per tick. Ticks that arrive
// while a pass is still running are dropped by time.Ticker, so passes never
// queue up. A failed pass is logged and the loop keeps going.
type Scheduler struct {
	passer   Passer
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. interval <= 0 uses DefaultInterval and a
// nil logger uses slog.Default().
func NewScheduler(p Passer, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{passer: p, interval: interval, logger: logger}
}

// Interval returns the tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Run blocks until ctx is cancelled and returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.passer.RunPass(ctx)
	if err != nil {
		s.logger.Error("reconcile pass failed", "pass", report.PassID, "error", err)
		return
	}
	if report.Skipped {
		s.logger.Debug("reconcile tick skipped", "pass", report.PassID)
	}
}
