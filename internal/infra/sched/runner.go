package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/infra/logging"
	"subscription-billing/internal/infra/metrics"
	"subscription-billing/internal/infra/redis"
	"subscription-billing/internal/usecase"
)

// JobFunc runs one batch job to completion.
type JobFunc func(ctx context.Context) (usecase.JobReport, error)

// Runner executes jobs so that at most one instance of a job runs across the
// deployment at a time.
type Runner struct {
	locker  redis.Locker
	lockTTL time.Duration
	log     *zerolog.Logger
}

// NewRunner returns a Runner. A nil locker runs jobs without coordination.
func NewRunner(locker redis.Locker, lockTTL time.Duration, logger *zerolog.Logger) *Runner {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	l := logger.With().Str("component", "job_runner").Logger()
	return &Runner{locker: locker, lockTTL: lockTTL, log: &l}
}

// Run executes fn under the job's lock. A run skipped because another worker
// holds the lock is not an error.
func (r *Runner) Run(ctx context.Context, job string, fn JobFunc) (usecase.JobReport, error) {
	ctx = logging.WithJob(ctx, job)
	log := logging.With(ctx, r.log)

	if r.locker != nil {
		key := redis.JobLockKey(job)
		token, err := r.locker.TryLock(ctx, key, r.lockTTL)
		if errors.Is(err, domain.ErrLockNotAcquired) {
			metrics.IncJobRun(job, "skipped")
			log.Info().Msg("job already running elsewhere")
			return usecase.JobReport{}, nil
		}
		if err != nil {
			metrics.IncJobRun(job, "error")
			return usecase.JobReport{}, err
		}
		defer func() {
			// release with a fresh context so cancellation doesn't strand the lock
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.locker.Unlock(uctx, key, token); err != nil {
				log.Warn().Err(err).Msg("release job lock")
			}
		}()
	}

	start := time.Now()
	done := logging.TraceDuration(log, "job."+job)
	rep, err := fn(ctx)
	done()
	elapsed := time.Since(start)
	metrics.ObserveJobDuration(job, elapsed)
	rep.Record(job)

	if err != nil {
		metrics.IncJobRun(job, "error")
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("job failed")
		return rep, err
	}
	metrics.IncJobRun(job, "ok")
	log.Info().
		Int("scanned", rep.Scanned).
		Int("succeeded", rep.Succeeded).
		Int("deactivated", rep.Deactivated).
		Int("failed", rep.Failed).
		Int("skipped", rep.Skipped).
		Int("errors", rep.Errors).
		Dur("elapsed", elapsed).
		Msg("job finished")
	return rep, nil
}
