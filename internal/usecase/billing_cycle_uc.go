package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/metrics"
)

// Compile-time check
var _ BillingCycleUseCase = (*billingCycleUC)(nil)

// JobReport summarizes one sweep. Per-item problems are logged and counted,
// never returned.
type JobReport struct {
	Scanned     int
	Succeeded   int
	Deactivated int
	Failed      int
	Skipped     int
	Errors      int
}

func (r *JobReport) add(o JobReport) {
	r.Scanned += o.Scanned
	r.Succeeded += o.Succeeded
	r.Deactivated += o.Deactivated
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

// Record exports the report as job item metrics.
func (r JobReport) Record(job string) {
	metrics.AddJobItems(job, "succeeded", r.Succeeded)
	metrics.AddJobItems(job, "deactivated", r.Deactivated)
	metrics.AddJobItems(job, "failed", r.Failed)
	metrics.AddJobItems(job, "skipped", r.Skipped)
	metrics.AddJobItems(job, "error", r.Errors)
}

type BillingCycleUseCase interface {
	// Rebill charges every subscriber whose billing date falls on now's day.
	Rebill(ctx context.Context, now time.Time) (JobReport, error)
	// Expire deactivates active plans whose billing day ended before now's UTC day.
	Expire(ctx context.Context, now time.Time) (JobReport, error)
	// Cleanup deactivates active plans without a billing date.
	Cleanup(ctx context.Context) (JobReport, error)
}

type billingCycleUC struct {
	ledger
	users       repository.EntitlementRepository
	registry    adapter.ProcessorRegistry
	tm          repository.TransactionManager
	notifier    NotificationUseCase
	concurrency int
	currency    string
	log         *zerolog.Logger
}

func NewBillingCycleUseCase(
	payments repository.PaymentRepository,
	plans repository.PlanRepository,
	users repository.EntitlementRepository,
	ent EntitlementUseCase,
	registry adapter.ProcessorRegistry,
	tm repository.TransactionManager,
	notifier NotificationUseCase,
	concurrency int,
	currency string,
	logger *zerolog.Logger,
) *billingCycleUC {
	if concurrency <= 0 {
		concurrency = 4
	}
	l := logger.With().Str("component", "billing_cycle_uc").Logger()
	return &billingCycleUC{
		ledger:      ledger{payments: payments, plans: plans, ent: ent},
		users:       users,
		registry:    registry,
		tm:          tm,
		notifier:    notifier,
		concurrency: concurrency,
		currency:    currency,
		log:         &l,
	}
}

func (b *billingCycleUC) Rebill(ctx context.Context, now time.Time) (JobReport, error) {
	var rep JobReport
	due, err := b.users.ListDueOn(ctx, repository.NoTX, now)
	if err != nil {
		return rep, fmt.Errorf("list due subscribers: %w", err)
	}
	rep.Scanned = len(due)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, e := range due {
		e := e
		g.Go(func() error {
			r := b.rebillOne(gctx, e, now)
			mu.Lock()
			rep.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep, nil
}

func (b *billingCycleUC) deactivate(ctx context.Context, log *zerolog.Logger, userID string, reason DeactivationReason) JobReport {
	if _, err := b.ent.Deactivate(ctx, nil, userID, reason); err != nil {
		log.Error().Err(err).Str("reason", string(reason)).Msg("deactivation failed")
		return JobReport{Errors: 1}
	}
	return JobReport{Deactivated: 1}
}

// stillDue re-reads the subscriber under a row lock and reports whether the
// listed snapshot still stands, so a cancel that landed after the listing
// is not charged.
func (b *billingCycleUC) stillDue(ctx context.Context, e *model.Entitlement, now time.Time) (bool, error) {
	due := false
	err := b.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		cur, err := b.users.FindByUserID(ctx, tx, e.UserID)
		if err != nil {
			return err
		}
		due = cur.IsPlanActive && cur.DueOn(now) &&
			cur.PlanSubscribed == e.PlanSubscribed && cur.Processor == e.Processor &&
			cur.PaymentNonce == e.PaymentNonce && cur.CardNonce == e.CardNonce
		return nil
	})
	return due, err
}

func (b *billingCycleUC) rebillOne(ctx context.Context, e *model.Entitlement, now time.Time) JobReport {
	log := b.log.With().Str("user_id", e.UserID).Str("plan", e.PlanSubscribed).Str("processor", string(e.Processor)).Logger()

	due, err := b.stillDue(ctx, e, now)
	if err != nil {
		log.Error().Err(err).Msg("subscriber recheck failed")
		return JobReport{Errors: 1}
	}
	if !due {
		log.Info().Msg("subscriber changed since listing; skipped")
		return JobReport{Skipped: 1}
	}

	plan, err := b.plans.FindByCode(ctx, repository.NoTX, e.PlanSubscribed)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Msg("subscribed plan no longer exists")
		return b.deactivate(ctx, &log, e.UserID, ReasonPlanUnavailable)
	}
	if err != nil {
		log.Error().Err(err).Msg("plan lookup failed")
		return JobReport{Errors: 1}
	}
	if !e.Processor.SupportsRecurringCharge() {
		log.Info().Msg("processor cannot be rebilled by us")
		return b.deactivate(ctx, &log, e.UserID, ReasonPlanUnavailable)
	}
	gw, err := b.registry.Get(e.Processor)
	if err != nil {
		log.Error().Err(err).Msg("processor not configured; left for expiry")
		return JobReport{Errors: 1}
	}

	p, err := model.NewPayment(e.UserID, e.Processor, plan.CodeName, plan.Price)
	if err != nil {
		log.Error().Err(err).Msg("cannot build renewal payment")
		return JobReport{Errors: 1}
	}
	p.CustomerToken = e.PaymentNonce
	p.CardToken = e.CardNonce
	log = log.With().Str("payment_id", p.ID).Logger()

	res, err := gw.Charge(ctx, adapter.ChargeRequest{
		Amount:         plan.Price,
		Method:         adapter.PaymentMethodRef{CustomerToken: e.PaymentNonce, CardToken: e.CardNonce},
		Email:          e.Email,
		Description:    "renewal " + plan.CodeName,
		IdempotencyKey: p.ID,
	})
	if err != nil {
		if rerr := b.recordFailure(ctx, p, err); rerr != nil {
			log.Error().Err(rerr).Msg("failed to record renewal failure")
		}
		metrics.IncPayment(string(p.Processor), string(p.Status))
		if p.Status == model.PaymentStatusPending {
			log.Warn().Err(err).Msg("renewal outcome unknown; left pending")
			return JobReport{Skipped: 1}
		}
		log.Info().Err(err).Msg("renewal charge failed")
		r := b.deactivate(ctx, &log, e.UserID, ReasonRebillFailed)
		r.Failed = 1
		return r
	}

	p.PaymentToken = res.ChargeID
	p.PaymentData = res.Raw
	if res.Card != (model.CardDetails{}) {
		p.Card = res.Card
	}
	if err := p.Transition(model.PaymentStatusSuccess); err != nil {
		log.Error().Err(err).Msg("renewal transition")
		return JobReport{Errors: 1}
	}
	err = b.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := b.payments.Save(ctx, tx, p); err != nil {
			return err
		}
		_, err := b.ent.Activate(ctx, tx, e.UserID, plan, plan.CycleDays(), p)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("charge_id", p.PaymentToken).Msg("renewal charged but ledger write failed; needs manual reconciliation")
		return JobReport{Errors: 1}
	}
	metrics.IncPayment(string(p.Processor), string(p.Status))
	metrics.AddPaymentRevenue(string(p.Processor), b.currency, p.Amount)
	log.Info().Int64("amount", p.Amount).Msg("subscription renewed")
	if b.notifier != nil {
		b.notifier.SendReceipt(ctx, e.Email, p, plan)
	}
	return JobReport{Succeeded: 1}
}

func (b *billingCycleUC) sweep(ctx context.Context, list []*model.Entitlement, reason DeactivationReason, pred func(*model.Entitlement) bool) JobReport {
	rep := JobReport{Scanned: len(list)}
	for _, e := range list {
		done, err := b.ent.DeactivateIf(ctx, e.UserID, reason, pred)
		switch {
		case err != nil:
			rep.Errors++
			b.log.Error().Err(err).Str("user_id", e.UserID).Str("reason", string(reason)).Msg("sweep deactivation failed")
		case done:
			rep.Deactivated++
		default:
			rep.Skipped++
		}
	}
	return rep
}

func (b *billingCycleUC) Expire(ctx context.Context, now time.Time) (JobReport, error) {
	list, err := b.users.ListExpired(ctx, repository.NoTX, now)
	if err != nil {
		return JobReport{}, fmt.Errorf("list expired: %w", err)
	}
	return b.sweep(ctx, list, ReasonExpired, func(e *model.Entitlement) bool {
		return e.Expired(now)
	}), nil
}

func (b *billingCycleUC) Cleanup(ctx context.Context) (JobReport, error) {
	list, err := b.users.ListActiveWithoutBillingDate(ctx, repository.NoTX)
	if err != nil {
		return JobReport{}, fmt.Errorf("list inconsistent: %w", err)
	}
	return b.sweep(ctx, list, ReasonInconsistent, func(e *model.Entitlement) bool {
		return e.IsPlanActive && e.NextBillingDate == nil
	}), nil
}
