package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/logging"
	"subscription-billing/internal/infra/metrics"
)

// Compile-time check
var _ PaymentUseCase = (*paymentUC)(nil)

type CheckoutInput struct {
	UserID    string
	PlanCode  string
	Processor string
	Nonce     string
	ClientIP  string
	UserAgent string
}

// OrderResult carries either an order id to approve client-side or a hosted
// page link.
type OrderResult struct {
	ID        string `json:"id,omitempty"`
	Link      string `json:"link,omitempty"`
	PaymentID string `json:"-"`
}

type PaymentUseCase interface {
	// Checkout charges the user for a plan and activates it on success.
	Checkout(ctx context.Context, in CheckoutInput) (*model.Payment, error)
	CreateOrderOrSubscription(ctx context.Context, userID, planCode, processor string) (*OrderResult, error)
	// Refund refunds a successful payment owned by email and deactivates the plan.
	Refund(ctx context.Context, paymentID, email string) (*model.Payment, error)
	// ReconcilePending settles payments left pending for longer than olderThan.
	ReconcilePending(ctx context.Context, olderThan time.Duration) (JobReport, error)
	ListForUser(ctx context.Context, userID string) ([]*model.Payment, error)
}

// CheckoutLimiter throttles checkout attempts per client.
type CheckoutLimiter interface {
	AllowCheckout(ctx context.Context, ip, userAgent string) (bool, error)
}

type PaymentSettings struct {
	Currency       string
	HistoryLimit   int
	ReconcileBatch int
	// AbandonAfter fails pending payments that no processor can ever
	// confirm once they are this old.
	AbandonAfter   time.Duration
}

type paymentUC struct {
	ledger
	users    repository.EntitlementRepository
	registry adapter.ProcessorRegistry
	tm       repository.TransactionManager
	limiter  CheckoutLimiter
	notifier NotificationUseCase
	settings PaymentSettings
	log      *zerolog.Logger
}

func NewPaymentUseCase(
	payments repository.PaymentRepository,
	plans repository.PlanRepository,
	users repository.EntitlementRepository,
	ent EntitlementUseCase,
	registry adapter.ProcessorRegistry,
	tm repository.TransactionManager,
	limiter CheckoutLimiter,
	notifier NotificationUseCase,
	settings PaymentSettings,
	logger *zerolog.Logger,
) *paymentUC {
	if settings.HistoryLimit <= 0 {
		settings.HistoryLimit = 100
	}
	if settings.ReconcileBatch <= 0 {
		settings.ReconcileBatch = 200
	}
	if settings.AbandonAfter <= 0 {
		settings.AbandonAfter = 72 * time.Hour
	}
	l := logger.With().Str("component", "payment_uc").Logger()
	return &paymentUC{
		ledger:   ledger{payments: payments, plans: plans, ent: ent},
		users:    users,
		registry: registry,
		tm:       tm,
		limiter:  limiter,
		notifier: notifier,
		settings: settings,
		log:      &l,
	}
}

// resolve validates the common inputs and loads the plan and user.
func (u *paymentUC) resolve(ctx context.Context, userID, planCode, processor string) (*model.Plan, *model.Entitlement, model.Processor, error) {
	ve := domain.NewValidationError()
	if strings.TrimSpace(planCode) == "" {
		ve.Add(domain.KeyMissingPlan)
	}
	proc, perr := model.ParseProcessor(processor)
	if perr != nil {
		ve.Add(domain.KeyInvalidProcessor)
	}
	if !ve.Empty() {
		return nil, nil, "", ve
	}

	plan, err := u.plans.FindByCode(ctx, repository.NoTX, model.Slugify(planCode))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, "", domain.NewValidationError(domain.KeyPlanNotFound)
	}
	if err != nil {
		return nil, nil, "", err
	}
	if plan.Price <= 0 {
		return nil, nil, "", domain.NewValidationError(domain.KeyEmptyAmount)
	}
	user, err := u.users.FindByUserID(ctx, repository.NoTX, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, "", domain.NewValidationError(domain.KeyUserNotFound)
	}
	if err != nil {
		return nil, nil, "", err
	}
	return plan, user, proc, nil
}

func (u *paymentUC) Checkout(ctx context.Context, in CheckoutInput) (*model.Payment, error) {
	if u.limiter != nil {
		ok, err := u.limiter.AllowCheckout(ctx, in.ClientIP, in.UserAgent)
		if err != nil {
			u.log.Warn().Err(err).Msg("rate limiter unavailable; allowing checkout")
		} else if !ok {
			metrics.IncRateLimited("checkout")
			return nil, domain.ErrRateLimited
		}
	}
	if strings.TrimSpace(in.Nonce) == "" {
		return nil, domain.NewValidationError(domain.KeyMissingNonce)
	}
	plan, user, proc, err := u.resolve(ctx, in.UserID, in.PlanCode, in.Processor)
	if err != nil {
		return nil, err
	}
	if proc == model.ProcessorCoinbase {
		return nil, domain.NewValidationError(domain.KeyInvalidProcessor)
	}
	gw, err := u.registry.Get(proc)
	if err != nil {
		return nil, err
	}

	p, err := model.NewPayment(user.UserID, proc, plan.CodeName, plan.Price)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithPaymentID(logging.WithUserID(ctx, user.UserID), p.ID)
	log := logging.With(ctx, u.log).With().Str("processor", string(proc)).Logger()

	method := adapter.PaymentMethodRef{Nonce: in.Nonce}
	if gw.RequiresCustomer() {
		cus, err := gw.CreateCustomer(ctx, user.Email, method)
		if err != nil {
			return nil, u.chargeFailed(ctx, &log, p, err)
		}
		method.CustomerToken = cus.CustomerToken
		method.CardToken = cus.CardToken
		p.CustomerToken = cus.CustomerToken
		p.CardToken = cus.CardToken
		p.Card = cus.Card
	}

	res, err := gw.Charge(ctx, adapter.ChargeRequest{
		Amount:         plan.Price,
		Method:         method,
		Email:          user.Email,
		Description:    plan.CodeName,
		IdempotencyKey: p.ID,
	})
	if err != nil {
		return nil, u.chargeFailed(ctx, &log, p, err)
	}

	p.PaymentToken = res.ChargeID
	p.PaymentData = res.Raw
	if res.CustomerToken != "" {
		p.CustomerToken = res.CustomerToken
	}
	if res.CardToken != "" {
		p.CardToken = res.CardToken
	}
	if res.Card != (model.CardDetails{}) {
		p.Card = res.Card
	}
	if err := p.Transition(model.PaymentStatusSuccess); err != nil {
		return nil, err
	}

	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.payments.Save(ctx, tx, p); err != nil {
			return err
		}
		_, err := u.ent.Activate(ctx, tx, user.UserID, plan, plan.CycleDays(), p)
		return err
	})
	if err != nil {
		// the processor took the money; the charge id is the only link left
		log.Error().Err(err).Str("charge_id", p.PaymentToken).Msg("charge succeeded but ledger write failed; needs manual reconciliation")
		return nil, err
	}

	metrics.IncPayment(string(proc), string(p.Status))
	metrics.AddPaymentRevenue(string(proc), u.settings.Currency, p.Amount)
	log.Info().Str("plan", plan.CodeName).Int64("amount", p.Amount).Msg("checkout succeeded")
	if u.notifier != nil {
		u.notifier.SendReceipt(ctx, user.Email, p, plan)
	}
	return p, nil
}

// chargeFailed records the attempt and returns the original error.
func (u *paymentUC) chargeFailed(ctx context.Context, log *zerolog.Logger, p *model.Payment, cause error) error {
	if err := u.recordFailure(ctx, p, cause); err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("failed to record payment failure")
	}
	metrics.IncPayment(string(p.Processor), string(p.Status))
	if p.Status == model.PaymentStatusPending {
		log.Warn().Err(cause).Msg("charge outcome unknown; left pending for reconciliation")
	} else {
		log.Info().Err(cause).Msg("charge failed")
	}
	return cause
}

func (u *paymentUC) CreateOrderOrSubscription(ctx context.Context, userID, planCode, processor string) (*OrderResult, error) {
	plan, user, proc, err := u.resolve(ctx, userID, planCode, processor)
	if err != nil {
		return nil, err
	}

	if oc, ok := u.registry.OrderCreator(proc); ok && !plan.IsSubscription {
		id, err := oc.CreateOrder(ctx, plan.Price, plan.CodeName)
		if err != nil {
			return nil, err
		}
		u.log.Info().Str("processor", string(proc)).Str("order_id", id).Str("user_id", userID).Msg("order created")
		return &OrderResult{ID: id}, nil
	}
	if !proc.WebhookDriven() {
		return nil, domain.NewValidationError(domain.KeyInvalidProcessor)
	}
	gw, err := u.registry.Get(proc)
	if err != nil {
		return nil, err
	}

	// the row exists before the processor knows about it
	p, err := model.NewPayment(user.UserID, proc, plan.CodeName, plan.Price)
	if err != nil {
		return nil, err
	}
	if err := u.payments.Save(ctx, repository.NoTX, p); err != nil {
		return nil, err
	}
	res, err := gw.CreateSubscription(ctx, user.Email, plan)
	if err != nil {
		log := u.log.With().Str("payment_id", p.ID).Str("processor", string(proc)).Logger()
		return nil, u.chargeFailed(ctx, &log, p, err)
	}
	p.PaymentToken = res.SubscriptionID
	p.PaymentData = res.Raw
	if err := u.payments.Save(ctx, repository.NoTX, p); err != nil {
		return nil, err
	}
	metrics.IncPayment(string(proc), string(p.Status))
	u.log.Info().Str("payment_id", p.ID).Str("processor", string(proc)).Str("token", p.PaymentToken).Msg("hosted checkout created")
	return &OrderResult{Link: res.RedirectURL, PaymentID: p.ID}, nil
}

func (u *paymentUC) Refund(ctx context.Context, paymentID, email string) (*model.Payment, error) {
	ve := domain.NewValidationError()
	if strings.TrimSpace(paymentID) == "" {
		ve.Add(domain.KeyMissingPaymentUUID)
	}
	if strings.TrimSpace(email) == "" {
		ve.Add(domain.KeyMissingEmail)
	}
	if !ve.Empty() {
		return nil, ve
	}

	p, err := u.payments.FindByIDAndEmail(ctx, repository.NoTX, paymentID, strings.TrimSpace(email))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewValidationError(domain.KeyPaymentNotFound)
	}
	if err != nil {
		return nil, err
	}
	if p.Status != model.PaymentStatusSuccess {
		return nil, fmt.Errorf("payment %s is %s: %w", p.ID, p.Status, domain.ErrPaymentNotRefundable)
	}
	gw, err := u.registry.Get(p.Processor)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithPaymentID(ctx, p.ID)
	log := logging.With(ctx, u.log).With().Str("processor", string(p.Processor)).Logger()

	res, err := gw.Refund(ctx, p.PaymentToken, p.Amount)
	if err != nil {
		if cerr := u.payments.AppendComment(ctx, repository.NoTX, p.ID, "refund failed: "+err.Error()); cerr != nil {
			log.Error().Err(cerr).Msg("failed to record refund failure")
		}
		log.Warn().Err(err).Msg("refund failed")
		return nil, err
	}

	refundID := res.RefundID
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		ok, err := u.payments.TransitionStatus(ctx, tx, p.ID, model.PaymentStatusSuccess, model.PaymentStatusRefunded,
			repository.PaymentUpdate{RefundToken: &refundID})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("payment %s: %w", p.ID, domain.ErrInvalidTransition)
		}
		if p.UserID == nil {
			return nil
		}
		_, err = u.ent.Deactivate(ctx, tx, *p.UserID, ReasonRefund)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("refund_id", refundID).Msg("refund issued but ledger write failed")
		return nil, err
	}
	p.Status = model.PaymentStatusRefunded
	p.RefundToken = refundID
	metrics.IncPayment(string(p.Processor), string(p.Status))
	log.Info().Str("refund_id", refundID).Msg("payment refunded")
	return p, nil
}

func (u *paymentUC) ReconcilePending(ctx context.Context, olderThan time.Duration) (JobReport, error) {
	var rep JobReport
	now := time.Now()
	abandonBefore := now.Add(-u.settings.AbandonAfter)
	var cursor repository.PendingCursor
	for {
		page, err := u.payments.ListPendingOlderThan(ctx, repository.NoTX, now.Add(-olderThan), cursor, u.settings.ReconcileBatch)
		if err != nil {
			return rep, err
		}
		for _, p := range page {
			rep.add(u.reconcileOne(ctx, p, abandonBefore))
		}
		if len(page) < u.settings.ReconcileBatch {
			return rep, nil
		}
		last := page[len(page)-1]
		cursor = repository.PendingCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
	}
}

func (u *paymentUC) reconcileOne(ctx context.Context, p *model.Payment, abandonBefore time.Time) JobReport {
	rep := JobReport{Scanned: 1}
	ctx = logging.WithPaymentID(ctx, p.ID)
	log := logging.With(ctx, u.log).With().Str("processor", string(p.Processor)).Logger()

	var (
		st  model.PaymentStatus
		err error
	)
	sc, ok := u.registry.StatusChecker(p.Processor)
	switch {
	case (!ok || p.PaymentToken == "") && p.CreatedAt.Before(abandonBefore):
		st = model.PaymentStatusFailed
		comment := fmt.Sprintf("abandoned: no processor confirmation within %s", u.settings.AbandonAfter)
		err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			return u.failPending(ctx, tx, p, comment)
		})
		if err == nil {
			rep.Failed++
		}
	case !ok || p.PaymentToken == "":
		rep.Skipped++
		log.Warn().Time("created_at", p.CreatedAt).Msg("pending payment needs manual reconciliation")
		return rep
	default:
		st, err = sc.LookupStatus(ctx, p.PaymentToken)
		if err != nil {
			rep.Errors++
			log.Warn().Err(err).Msg("status lookup failed")
			return rep
		}
		switch st {
		case model.PaymentStatusSuccess:
			err = u.settleSuccess(ctx, p)
			if err == nil {
				rep.Succeeded++
			}
		case model.PaymentStatusFailed:
			err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
				return u.failPending(ctx, tx, p, "reconciled: processor reports failure")
			})
			if err == nil {
				rep.Failed++
			}
		default:
			rep.Skipped++
			return rep
		}
	}

	switch {
	case errors.Is(err, domain.ErrIdempotentNoOp):
		log.Debug().Msg("already settled")
	case err != nil:
		rep.Errors++
		log.Error().Err(err).Msg("reconcile failed")
	default:
		metrics.IncPayment(string(p.Processor), string(st))
		log.Info().Str("status", string(st)).Msg("pending payment reconciled")
	}
	return rep
}

func (u *paymentUC) settleSuccess(ctx context.Context, pending *model.Payment) error {
	return u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.payments.FindByID(ctx, tx, pending.ID)
		if err != nil {
			return err
		}
		plan, err := u.plans.FindByCode(ctx, tx, p.PlanCode)
		if err != nil {
			return fmt.Errorf("plan %q: %w", p.PlanCode, err)
		}
		return u.activatePending(ctx, tx, p, plan, nil)
	})
}

func (u *paymentUC) ListForUser(ctx context.Context, userID string) ([]*model.Payment, error) {
	return u.payments.ListByUser(ctx, repository.NoTX, userID, u.settings.HistoryLimit)
}
