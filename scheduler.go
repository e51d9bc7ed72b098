package settler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultSchedulerInterval is the cadence of the periodic settlement sweep.
const DefaultSchedulerInterval = time.Minute

// Scheduler drives the engine on a fixed interval. Overlapping runs within
// one process are skipped via an atomic compare-and-swap — a cheap guard
// against wasted work, not a correctness mechanism. Correctness across
// processes (and across a Trigger racing the ticker) is guaranteed by the
// per-settlement distributed locks.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	running  atomic.Bool
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. A zero interval selects
// DefaultSchedulerInterval.
func NewScheduler(engine *Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSchedulerInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{engine: engine, interval: interval, logger: logger}
}

// Run ticks until the context is cancelled. Multiple worker processes may
// each call Run against the same store; there is no leader election.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Trigger(ctx); err != nil {
				s.logger.Error("settlement sweep failed", "error", err)
			}
		}
	}
}

// Trigger runs one synchronous sweep of the pending index. It is the entry
// point both for the ticker and for the operator's manual-recovery endpoint.
// A sweep already in flight in this process returns an empty report.
func (s *Scheduler) Trigger(ctx context.Context) (*RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("settlement sweep already running, skipping")
		return &RunReport{}, nil
	}
	defer s.running.Store(false)

	started := time.Now()
	report, err := s.engine.ProcessPending(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[Action]int)
	for _, r := range report.Results {
		counts[r.Action]++
	}
	s.logger.Info("settlement sweep finished",
		"processed", report.Processed,
		"total", len(report.Results),
		"counts", counts,
		"duration", time.Since(started))
	return report, nil
}
