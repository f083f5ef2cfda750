package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/metrics"
)

// Compile-time check
var _ WebhookUseCase = (*webhookUC)(nil)

type WebhookOutcome string

const (
	WebhookApplied       WebhookOutcome = "applied"
	WebhookDuplicate     WebhookOutcome = "duplicate"
	WebhookNotApplicable WebhookOutcome = "not_applicable"
	WebhookIgnored       WebhookOutcome = "ignored"
	WebhookRejected      WebhookOutcome = "rejected"
	WebhookError         WebhookOutcome = "error"
)

// renewalGrace separates the first sale of a new subscription, which the
// activation event already credited, from a real renewal.
const renewalGrace = 24 * time.Hour

type WebhookUseCase interface {
	// Handle verifies and applies one notification. It never fails: every
	// problem is logged and reported through the outcome.
	Handle(ctx context.Context, processor model.Processor, header http.Header, body []byte) WebhookOutcome
}

type webhookUC struct {
	ledger
	registry adapter.ProcessorRegistry
	tm       repository.TransactionManager
	log      *zerolog.Logger
	now      func() time.Time
}

func NewWebhookUseCase(
	payments repository.PaymentRepository,
	plans repository.PlanRepository,
	ent EntitlementUseCase,
	registry adapter.ProcessorRegistry,
	tm repository.TransactionManager,
	logger *zerolog.Logger,
) *webhookUC {
	l := logger.With().Str("component", "webhook_uc").Logger()
	return &webhookUC{
		ledger:   ledger{payments: payments, plans: plans, ent: ent},
		registry: registry,
		tm:       tm,
		log:      &l,
		now:      time.Now,
	}
}

func (u *webhookUC) Handle(ctx context.Context, processor model.Processor, header http.Header, body []byte) WebhookOutcome {
	log := u.log.With().Str("processor", string(processor)).Logger()
	kind := string(adapter.WebhookUnknown)
	outcome := u.handle(ctx, &log, processor, header, body, &kind)
	metrics.IncWebhookEvent(string(processor), kind, string(outcome))
	return outcome
}

func (u *webhookUC) handle(ctx context.Context, log *zerolog.Logger, processor model.Processor, header http.Header, body []byte, kind *string) WebhookOutcome {
	wh, ok := u.registry.WebhookHandler(processor)
	if !ok {
		log.Warn().Msg("webhook for a processor without webhook support")
		return WebhookRejected
	}
	if err := wh.VerifyWebhook(ctx, header, body); err != nil {
		log.Warn().Err(err).Msg("webhook verification failed")
		return WebhookRejected
	}
	ev, err := wh.ParseWebhook(body)
	if err != nil {
		log.Warn().Err(err).Msg("unparseable webhook")
		return WebhookRejected
	}
	*kind = string(ev.Kind)
	evLog := log.With().Str("event_type", ev.EventType).Str("token", ev.PaymentToken).Logger()

	switch ev.Kind {
	case adapter.WebhookActivation:
		err = u.applyActivation(ctx, ev)
	case adapter.WebhookCancellation:
		err = u.applyCancellation(ctx, ev)
	case adapter.WebhookRenewal:
		err = u.applyRenewal(ctx, ev)
	default:
		evLog.Info().Msg("unhandled webhook event")
		return WebhookIgnored
	}

	switch {
	case err == nil:
		evLog.Info().Msg("webhook applied")
		return WebhookApplied
	case errors.Is(err, domain.ErrIdempotentNoOp):
		evLog.Debug().Err(err).Msg("webhook replay ignored")
		return WebhookDuplicate
	case errors.Is(err, domain.ErrNotFound):
		evLog.Info().Err(err).Msg("webhook does not match a pending payment")
		return WebhookNotApplicable
	default:
		evLog.Error().Err(err).Msg("webhook processing failed")
		return WebhookError
	}
}

// resolvePlan prefers the plan named by the event over the one recorded on
// the payment.
func (u *webhookUC) resolvePlan(ctx context.Context, tx repository.Tx, ev *adapter.WebhookEvent, p *model.Payment) (*model.Plan, error) {
	switch {
	case ev.PlanKey != "":
		plan, err := u.plans.FindByProcessorKey(ctx, tx, ev.Processor, ev.PlanKey)
		if err != nil {
			return nil, fmt.Errorf("plan key %q: %w", ev.PlanKey, err)
		}
		return plan, nil
	case ev.PlanCode != "":
		plan, err := u.plans.FindByCode(ctx, tx, model.Slugify(ev.PlanCode))
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", ev.PlanCode, err)
		}
		return plan, nil
	}
	plan, err := u.plans.FindByCode(ctx, tx, p.PlanCode)
	if err != nil {
		return nil, fmt.Errorf("plan %q: %w", p.PlanCode, err)
	}
	return plan, nil
}

func (u *webhookUC) findPayment(ctx context.Context, tx repository.Tx, processor model.Processor, token string) (*model.Payment, error) {
	if token == "" {
		return nil, fmt.Errorf("event without payment token: %w", domain.ErrNotFound)
	}
	p, err := u.payments.FindByToken(ctx, tx, processor, token)
	if err != nil {
		return nil, fmt.Errorf("payment %s/%s: %w", processor, token, err)
	}
	return p, nil
}

func (u *webhookUC) applyActivation(ctx context.Context, ev *adapter.WebhookEvent) error {
	return u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.findPayment(ctx, tx, ev.Processor, ev.PaymentToken)
		if err != nil {
			return err
		}
		if p.Status != model.PaymentStatusPending {
			return fmt.Errorf("payment %s is %s: %w", p.ID, p.Status, domain.ErrIdempotentNoOp)
		}
		plan, err := u.resolvePlan(ctx, tx, ev, p)
		if err != nil {
			return err
		}
		if err := u.activatePending(ctx, tx, p, plan, ev.Raw); err != nil {
			return err
		}
		metrics.IncPayment(string(p.Processor), string(p.Status))
		return nil
	})
}

// applyCancellation fails a still-pending payment and deactivates the user
// whatever the payment's status was.
func (u *webhookUC) applyCancellation(ctx context.Context, ev *adapter.WebhookEvent) error {
	return u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.findPayment(ctx, tx, ev.Processor, ev.PaymentToken)
		if err != nil {
			return err
		}
		if p.Status == model.PaymentStatusPending {
			if err := u.failPending(ctx, tx, p, ev.EventType); err != nil {
				return err
			}
			metrics.IncPayment(string(p.Processor), string(p.Status))
		}
		if p.UserID == nil {
			return nil
		}
		_, err = u.ent.Deactivate(ctx, tx, *p.UserID, ReasonWebhook)
		return err
	})
}

// applyRenewal records a recurring sale of an active subscription once and
// extends the plan, unless the sale is the subscription's first cycle.
func (u *webhookUC) applyRenewal(ctx context.Context, ev *adapter.WebhookEvent) error {
	return u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		parent, err := u.findPayment(ctx, tx, ev.Processor, ev.ParentToken)
		if err != nil {
			return err
		}
		if parent.Status != model.PaymentStatusSuccess {
			return fmt.Errorf("subscription payment %s is %s: %w", parent.ID, parent.Status, domain.ErrNotFound)
		}
		plan, err := u.plans.FindByCode(ctx, tx, parent.PlanCode)
		if err != nil {
			return fmt.Errorf("plan %q: %w", parent.PlanCode, err)
		}

		amount := ev.Amount
		if amount <= 0 {
			amount = plan.Price
		}
		sale, err := model.NewPayment(parent.UserRef(), ev.Processor, plan.CodeName, amount)
		if err != nil {
			return err
		}
		sale.PaymentToken = ev.PaymentToken
		sale.PaymentData = ev.Raw
		if err := sale.Transition(model.PaymentStatusSuccess); err != nil {
			return err
		}
		firstCycle := u.now().Sub(parent.UpdatedAt) < renewalGrace
		if firstCycle {
			sale.Comments = "initial cycle of " + parent.PaymentToken
		}
		inserted, err := u.payments.InsertIfAbsent(ctx, tx, sale)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("sale %s already recorded: %w", sale.PaymentToken, domain.ErrIdempotentNoOp)
		}
		metrics.IncPayment(string(sale.Processor), string(sale.Status))
		if firstCycle || sale.UserID == nil {
			return nil
		}
		_, err = u.ent.Activate(ctx, tx, *sale.UserID, plan, plan.CycleDays(), parent)
		return err
	})
}
