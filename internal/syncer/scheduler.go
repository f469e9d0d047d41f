package syncer

import (
	"context"
	"time"
)

// Scheduler triggers a full sync on a fixed cadence. Manual triggers and the
// timer converge on the same Orchestrator path, so overlapping runs stay safe
// through the store's idempotent upserts.
type Scheduler struct {
	orchestrator *Orchestrator
	interval     time.Duration
	immediate    bool
	logger       Logger
}

type SchedulerOptions struct {
	Interval time.Duration
	// Immediate runs one cycle at startup before the first tick.
	Immediate bool
	Logger    Logger
}

func NewScheduler(o *Orchestrator, opts SchedulerOptions) *Scheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		orchestrator: o,
		interval:     interval,
		immediate:    opts.Immediate,
		logger:       opts.Logger,
	}
}

// Run blocks until ctx is cancelled, triggering a full cycle every interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.immediate {
		s.cycle(ctx)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	results, err := s.orchestrator.TriggerSync(ctx)
	if err != nil {
		s.logf("scheduler: sync cycle failed: %v", err)
		return
	}
	for _, r := range results {
		s.logf("scheduler: %s run %s finished %s in %s (%d records)",
			r.Service, r.RunID, r.Status, r.Duration.Round(time.Millisecond), r.RecordsProcessed)
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
