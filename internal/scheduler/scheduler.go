// Package scheduler runs the background jobs: the pending-transaction sweep
// on a cron schedule and the outbox relay on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Expirer fails pending transactions whose callback never arrived.
type Expirer interface {
	ExpirePending(ctx context.Context) (int, error)
}

// Scheduler manages cron job scheduling
type Scheduler struct {
	cron    *cron.Cron
	expirer Expirer
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewScheduler registers the sweep under schedule, a six-field cron expression.
// A run that is still going when the next one is due causes that next run
// to be skipped.
func NewScheduler(schedule string, expirer Expirer, timeout time.Duration, log *zap.SugaredLogger) (*Scheduler, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	s := &Scheduler{cron: c, expirer: expirer, timeout: timeout, log: log}
	if _, err := c.AddFunc(schedule, func() { s.RunSweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("NewScheduler: sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the cron scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Infow("scheduler started", "entries", len(s.cron.Entries()))
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

// RunSweep runs one sweep. Errors and panics are logged; the schedule keeps
// going.
func (s *Scheduler) RunSweep(ctx context.Context) {
	runWithRecovery(s.log, "expire_pending", func() {
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		start := time.Now()
		n, err := s.expirer.ExpirePending(ctx)
		if err != nil {
			s.log.Errorw("sweep failed", "expired", n, "error", err)
			return
		}
		s.log.Infow("sweep finished", "expired", n, "duration_ms", time.Since(start).Milliseconds())
	})
}

func runWithRecovery(log *zap.SugaredLogger, job string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorw("job panicked", "job", job, "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
