package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the periodic sweep loop.
type SchedulerConfig struct {
	Sweeper  *Sweeper
	Interval time.Duration
	Logger   *slog.Logger
}

// Scheduler runs the sweeper on a fixed cadence.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sweeper: cfg.Sweeper, interval: interval, logger: logger}
}

// Start loops until the context is cancelled. Each tick runs one batch; a
// backlog larger than one batch drains across consecutive ticks.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.sweeper == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.sweeper.Run(ctx); err != nil {
				s.logger.Error("scheduled sweep failed", "error", err)
			}
		}
	}
}
