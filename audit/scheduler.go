package audit

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs the reporter once per day at a fixed hour.
type Scheduler struct {
	reporter *Reporter
	runHour  int
	log      *slog.Logger
}

// NewScheduler constructs a daily scheduler. Hours outside 0..23 clamp.
func NewScheduler(reporter *Reporter, runHour int, log *slog.Logger) *Scheduler {
	if runHour < 0 {
		runHour = 0
	}
	if runHour > 23 {
		runHour = 23
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{reporter: reporter, runHour: runHour, log: log}
}

// Start blocks, running reports until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reporter == nil {
		return
	}
	for {
		now := s.reporter.now()
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.reporter.Run(ctx); err != nil {
				s.log.Error("scheduled audit run failed", "err", err)
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, 0, 0, 0, after.Location())
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}
