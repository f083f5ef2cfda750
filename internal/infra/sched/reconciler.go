package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"subscription-billing/internal/usecase"
)

// Job names used for locks, metrics and CLI commands.
const (
	JobRebill    = "rebill"
	JobExpire    = "expire"
	JobCleanup   = "cleanup"
	JobReconcile = "reconcile"
)

// PendingReconciler is the part of the payment use case the reconciler needs.
type PendingReconciler interface {
	ReconcilePending(ctx context.Context, olderThan time.Duration) (usecase.JobReport, error)
}

// Reconciler periodically settles payments left pending for longer than
// staleAfter. It covers ambiguous processor responses and crashes between
// the charge and the ledger write.
type Reconciler struct {
	runner     *Runner
	payments   PendingReconciler
	interval   time.Duration
	staleAfter time.Duration
	log        *zerolog.Logger
}

func NewReconciler(runner *Runner, payments PendingReconciler, interval, staleAfter time.Duration, logger *zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	l := logger.With().Str("component", "reconciler").Logger()
	return &Reconciler{runner: runner, payments: payments, interval: interval, staleAfter: staleAfter, log: &l}
}

// Job returns the reconcile pass as a JobFunc for one-shot runs.
func (w *Reconciler) Job() JobFunc {
	return func(ctx context.Context) (usecase.JobReport, error) {
		return w.payments.ReconcilePending(ctx, w.staleAfter)
	}
}

// Run ticks until ctx is cancelled.
func (w *Reconciler) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Dur("stale_after", w.staleAfter).Msg("starting reconciler")
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("stopping reconciler")
			return nil
		case <-t.C:
			_, _ = w.runner.Run(ctx, JobReconcile, w.Job())
		}
	}
}
