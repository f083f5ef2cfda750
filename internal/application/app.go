// Package application assembles the billing service from configuration.
package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"subscription-billing/internal/config"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/infra/adapters/payment"
	"subscription-billing/internal/infra/api"
	pg "subscription-billing/internal/infra/db/postgres"
	"subscription-billing/internal/infra/mailer"
	"subscription-billing/internal/infra/metrics"
	red "subscription-billing/internal/infra/redis"
	"subscription-billing/internal/infra/sched"
	"subscription-billing/internal/infra/worker"
	"subscription-billing/internal/usecase"
)

type closableMailer interface {
	adapter.Mailer
	Close() error
}

// App holds the wired service. Close releases everything New acquired.
type App struct {
	cfg *config.Config
	log *zerolog.Logger

	pool     *pgxpool.Pool
	redis    *red.Client
	registry *payment.Registry
	mailer   closableMailer
	tasks    *worker.Pool
	stopPool context.CancelFunc

	Payments     usecase.PaymentUseCase
	Entitlements usecase.EntitlementUseCase
	Webhooks     usecase.WebhookUseCase
	Plans        usecase.PlanUseCase
	Cycle        usecase.BillingCycleUseCase

	runner     *sched.Runner
	reconciler *sched.Reconciler
}

// New connects to Postgres, Redis and the mail broker and builds every use case.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: logger}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	if a.pool, err = pg.Connect(ctx, cfg.Database); err != nil {
		return nil, err
	}
	if a.redis, err = red.NewClient(ctx, &cfg.Redis); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	if a.registry, err = payment.BuildRegistry(cfg, logger); err != nil {
		return nil, err
	}
	if a.mailer, err = newMailer(cfg, logger); err != nil {
		return nil, err
	}

	poolCtx, cancel := context.WithCancel(context.Background())
	a.stopPool = cancel
	a.tasks = worker.NewPool(cfg.Mailer.Workers, cfg.Mailer.QueueSize, logger)
	a.tasks.Start(poolCtx)

	// ---- Repositories ----
	tm := pg.NewTxManager(a.pool)
	payments := pg.NewPaymentRepo(a.pool)
	plans := pg.NewPlanRepoCacheDecorator(pg.NewPostgresPlanRepo(a.pool), a.redis, cfg.Redis.TTL, logger)
	users := pg.NewPostgresEntitlementRepo(a.pool)

	// ---- Use cases ----
	limiter := red.NewCheckoutLimiter(red.NewRateLimiter(a.redis), cfg.Billing.RateLimit.Attempts, cfg.Billing.RateLimit.Window)
	notifier := usecase.NewNotificationUseCase(a.mailer, a.tasks, usecase.ReceiptSettings{
		Subject:  cfg.Billing.ReceiptSubject,
		Template: cfg.Billing.ReceiptTemplate,
		Currency: cfg.Billing.Currency,
	}, logger)
	a.Entitlements = usecase.NewEntitlementUseCase(users, tm, logger)
	a.Plans = usecase.NewPlanUseCase(plans, a.registry, tm, logger)
	a.Payments = usecase.NewPaymentUseCase(payments, plans, users, a.Entitlements, a.registry, tm, limiter, notifier,
		usecase.PaymentSettings{Currency: cfg.Billing.Currency, AbandonAfter: cfg.Jobs.AbandonAfter}, logger)
	a.Webhooks = usecase.NewWebhookUseCase(payments, plans, a.Entitlements, a.registry, tm, logger)
	a.Cycle = usecase.NewBillingCycleUseCase(payments, plans, users, a.Entitlements, a.registry, tm, notifier,
		cfg.Jobs.RebillConcurrency, cfg.Billing.Currency, logger)

	// ---- Jobs ----
	a.runner = sched.NewRunner(red.NewLocker(a.redis), cfg.Jobs.LockTTL, logger)
	a.reconciler = sched.NewReconciler(a.runner, a.Payments, cfg.Jobs.ReconcileInterval, cfg.Jobs.StaleAfter, logger)

	logger.Info().
		Interface("processors", a.registry.Configured()).
		Str("mailer", cfg.Mailer.Driver).
		Msg("billing service wired")
	ready = true
	return a, nil
}

func newMailer(cfg *config.Config, logger *zerolog.Logger) (closableMailer, error) {
	switch cfg.Mailer.Driver {
	case "amqp":
		m, err := mailer.NewAMQPMailer(cfg.Mailer.AMQPURL, cfg.Mailer.Exchange, cfg.Mailer.RoutingKey, logger)
		if err != nil {
			return nil, fmt.Errorf("mailer: %w", err)
		}
		return m, nil
	case "log":
		return mailer.NewLogMailer(logger, cfg.Runtime.Dev), nil
	}
	return nil, fmt.Errorf("mailer: unknown driver %q", cfg.Mailer.Driver)
}

// Jobs maps job names to their one-shot runs.
func (a *App) Jobs() map[string]sched.JobFunc {
	return map[string]sched.JobFunc{
		sched.JobRebill: func(ctx context.Context) (usecase.JobReport, error) {
			return a.Cycle.Rebill(ctx, time.Now())
		},
		sched.JobExpire: func(ctx context.Context) (usecase.JobReport, error) {
			return a.Cycle.Expire(ctx, time.Now())
		},
		sched.JobCleanup:   a.Cycle.Cleanup,
		sched.JobReconcile: a.reconciler.Job(),
	}
}

// RunJob runs one job under its distributed lock.
func (a *App) RunJob(ctx context.Context, name string) (usecase.JobReport, error) {
	fn, ok := a.Jobs()[name]
	if !ok {
		return usecase.JobReport{}, fmt.Errorf("unknown job %q", name)
	}
	return a.runner.Run(ctx, name, fn)
}

// Serve runs the HTTP API, the cron scheduler and the reconciler until ctx is
// cancelled, then shuts them down.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.cfg
	srv := api.NewServer(a.Payments, a.Entitlements, a.Webhooks, a.Plans,
		api.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		api.Options{
			RequestTimeout: cfg.HTTP.RequestTimeout,
			Health: map[string]api.HealthCheck{
				"postgres": func(ctx context.Context) error { return a.pool.Ping(ctx) },
				"redis":    a.redis.Ping,
			},
		}, a.log)
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	scheduler := sched.NewJobScheduler(a.runner, cfg.Jobs.LockTTL, a.log)
	jobs := a.Jobs()
	for name, spec := range map[string]string{
		sched.JobRebill:  cfg.Jobs.RebillCron,
		sched.JobExpire:  cfg.Jobs.ExpireCron,
		sched.JobCleanup: cfg.Jobs.CleanupCron,
	} {
		if err := scheduler.Add(name, spec, jobs[name]); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", httpServer.Addr).Msg("http api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return a.reconciler.Run(ctx) })
	g.Go(func() error { return a.reportPoolStats(ctx) })
	return g.Wait()
}

func (a *App) reportPoolStats(ctx context.Context) error {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s := a.pool.Stat()
			metrics.SetDBPoolStats(s.TotalConns(), s.IdleConns(), s.AcquiredConns())
		}
	}
}

// Close drains queued receipts and releases connections.
func (a *App) Close() {
	if a.tasks != nil {
		a.tasks.Stop()
		a.stopPool()
	}
	if a.mailer != nil {
		if err := a.mailer.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close mailer")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
