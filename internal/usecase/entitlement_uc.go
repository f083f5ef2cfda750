package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/metrics"
)

// Compile-time check
var _ EntitlementUseCase = (*entitlementUC)(nil)

type DeactivationReason string

const (
	ReasonUserCancelled   DeactivationReason = "user_cancelled"
	ReasonWebhook         DeactivationReason = "webhook"
	ReasonRefund          DeactivationReason = "refund"
	ReasonRebillFailed    DeactivationReason = "rebill_failed"
	ReasonPlanUnavailable DeactivationReason = "plan_unavailable"
	ReasonExpired         DeactivationReason = "expired"
	ReasonInconsistent    DeactivationReason = "inconsistent_state"
)

// EntitlementUseCase is the only writer of a user's credits, active flag,
// billing date, plan and stored payment method. Methods taking a tx join it;
// a nil tx starts a new transaction.
type EntitlementUseCase interface {
	Activate(ctx context.Context, tx repository.Tx, userID string, plan *model.Plan, cycleDays int, method *model.Payment) (*model.Entitlement, error)
	Deactivate(ctx context.Context, tx repository.Tx, userID string, reason DeactivationReason) (*model.Entitlement, error)
	// DeactivateIf deactivates only when pred still holds on the locked row.
	DeactivateIf(ctx context.Context, userID string, reason DeactivationReason, pred func(*model.Entitlement) bool) (bool, error)
	Cancel(ctx context.Context, userID string) (*model.Entitlement, error)
	Get(ctx context.Context, userID string) (*model.Entitlement, error)
}

type entitlementUC struct {
	repo repository.EntitlementRepository
	tm   repository.TransactionManager
	log  *zerolog.Logger
	now  func() time.Time
}

func NewEntitlementUseCase(repo repository.EntitlementRepository, tm repository.TransactionManager, logger *zerolog.Logger) *entitlementUC {
	l := logger.With().Str("component", "entitlement_uc").Logger()
	return &entitlementUC{repo: repo, tm: tm, log: &l, now: time.Now}
}

// mutate loads the row (locked when tx is a database transaction), applies
// fn and saves when fn reports a change.
func (u *entitlementUC) mutate(ctx context.Context, tx repository.Tx, userID string, fn func(e *model.Entitlement) (bool, error)) (*model.Entitlement, error) {
	var out *model.Entitlement
	run := func(ctx context.Context, tx repository.Tx) error {
		e, err := u.repo.FindByUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		changed, err := fn(e)
		if err != nil {
			return err
		}
		if changed {
			if err := e.Validate(); err != nil {
				return err
			}
			if err := u.repo.Save(ctx, tx, e); err != nil {
				return err
			}
		}
		out = e
		return nil
	}
	var err error
	if tx != nil {
		err = run(ctx, tx)
	} else {
		err = u.tm.WithTx(ctx, pgx.TxOptions{}, run)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (u *entitlementUC) Activate(ctx context.Context, tx repository.Tx, userID string, plan *model.Plan, cycleDays int, method *model.Payment) (*model.Entitlement, error) {
	if plan.IsZero() {
		return nil, domain.ErrInvalidArgument
	}
	e, err := u.mutate(ctx, tx, userID, func(e *model.Entitlement) (bool, error) {
		e.Activate(plan, cycleDays, u.now())
		if method != nil && plan.IsSubscription {
			e.StorePaymentMethod(method)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.IncEntitlementChange("activate", plan.CodeName)
	u.log.Info().Str("user_id", userID).Str("plan", plan.CodeName).Int64("credits", e.Credits).
		Time("next_billing_date", *e.NextBillingDate).Msg("entitlement activated")
	return e, nil
}

func (u *entitlementUC) Deactivate(ctx context.Context, tx repository.Tx, userID string, reason DeactivationReason) (*model.Entitlement, error) {
	clearMethod := reason == ReasonUserCancelled
	e, err := u.mutate(ctx, tx, userID, func(e *model.Entitlement) (bool, error) {
		if !e.IsPlanActive && e.NextBillingDate == nil && (!clearMethod || e.Processor == "") {
			return false, nil
		}
		e.Deactivate(clearMethod, u.now())
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.IncEntitlementChange("deactivate", string(reason))
	u.log.Info().Str("user_id", userID).Str("reason", string(reason)).Msg("entitlement deactivated")
	return e, nil
}

func (u *entitlementUC) DeactivateIf(ctx context.Context, userID string, reason DeactivationReason, pred func(*model.Entitlement) bool) (bool, error) {
	var done bool
	_, err := u.mutate(ctx, nil, userID, func(e *model.Entitlement) (bool, error) {
		if !pred(e) {
			return false, nil
		}
		e.Deactivate(reason == ReasonUserCancelled, u.now())
		done = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if done {
		metrics.IncEntitlementChange("deactivate", string(reason))
		u.log.Info().Str("user_id", userID).Str("reason", string(reason)).Msg("entitlement deactivated")
	}
	return done, nil
}

func (u *entitlementUC) Cancel(ctx context.Context, userID string) (*model.Entitlement, error) {
	e, err := u.Deactivate(ctx, nil, userID, ReasonUserCancelled)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewValidationError(domain.KeyUserNotFound)
	}
	return e, err
}

func (u *entitlementUC) Get(ctx context.Context, userID string) (*model.Entitlement, error) {
	return u.repo.FindByUserID(ctx, repository.NoTX, userID)
}
