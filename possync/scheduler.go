package possync

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler fires periodic sync cycles while sync_enabled is set. It re-reads
// the configuration every wake, so toggling the flag or changing the interval
// takes effect without a restart. Mutual exclusion comes from the durable
// cycle lock, not the scheduler, so running two schedulers is safe.
type Scheduler struct {
	engine *Engine
	logger *slog.Logger

	// recheck bounds how long a disabled scheduler sleeps before looking at
	// the config again.
	recheck time.Duration
}

// NewScheduler builds a scheduler over the engine.
func NewScheduler(engine *Engine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{engine: engine, logger: logger, recheck: time.Minute}
}

// Run blocks until the context is cancelled, firing a push followed by a
// pull at the configured interval whenever sync is enabled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		cfg, err := LoadConfig(ctx, s.engine.db)
		if err != nil {
			s.logger.Error("scheduler failed to load config", "error", err)
			if err := sleepWithContext(ctx, s.recheck); err != nil {
				return nil
			}
			continue
		}

		wait := s.recheck
		if cfg.Enabled {
			wait = time.Duration(cfg.IntervalMinutes) * time.Minute
		}
		if err := sleepWithContext(ctx, wait); err != nil {
			return nil
		}
		if !cfg.Enabled {
			continue
		}

		if summary, err := s.engine.SyncAll(ctx); err != nil {
			s.logger.Error("scheduled push failed", "error", err)
		} else if summary.AlreadyRunning {
			continue // another instance holds the lock; pull would skip too
		}
		if _, err := s.engine.PullChanges(ctx); err != nil {
			s.logger.Error("scheduled pull failed", "error", err)
		}
	}
}
