package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobScheduler fires registered jobs on cron expressions through a Runner.
type JobScheduler struct {
	cron    *cron.Cron
	runner  *Runner
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zerolog.Logger
}

// NewJobScheduler builds a UTC scheduler. timeout bounds a single job run.
func NewJobScheduler(runner *Runner, timeout time.Duration, logger *zerolog.Logger) *JobScheduler {
	l := logger.With().Str("component", "scheduler").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		runner:  runner,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		log:     &l,
	}
}

// Add registers job on spec, a standard five-field cron expression.
func (s *JobScheduler) Add(job, spec string, fn JobFunc) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := s.ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		_, _ = s.runner.Run(ctx, job, fn)
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", job, spec, err)
	}
	s.log.Info().Str("job", job).Str("spec", spec).Msg("job scheduled")
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to return.
func (s *JobScheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
	<-ctx.Done()
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
	return nil
}
