package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
)

const ambiguousComment = "ambiguous: processor timeout"

// ledger holds the transitions shared by checkout, webhooks and
// reconciliation.
type ledger struct {
	payments repository.PaymentRepository
	plans    repository.PlanRepository
	ent      EntitlementUseCase
}

// activatePending moves p from pending to success and grants the plan, both
// inside tx. Only the caller whose conditional update wins applies the grant.
func (l *ledger) activatePending(ctx context.Context, tx repository.Tx, p *model.Payment, plan *model.Plan, data json.RawMessage) error {
	if p.Status != model.PaymentStatusPending {
		return fmt.Errorf("payment %s is %s: %w", p.ID, p.Status, domain.ErrIdempotentNoOp)
	}
	ok, err := l.payments.TransitionStatus(ctx, tx, p.ID, model.PaymentStatusPending, model.PaymentStatusSuccess, repository.PaymentUpdate{PaymentData: data})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("payment %s already settled: %w", p.ID, domain.ErrIdempotentNoOp)
	}
	p.Status = model.PaymentStatusSuccess
	if p.UserID == nil {
		return nil
	}
	_, err = l.ent.Activate(ctx, tx, *p.UserID, plan, plan.CycleDays(), p)
	return err
}

// failPending moves p from pending to failed. A payment that already left
// pending is reported as a no-op.
func (l *ledger) failPending(ctx context.Context, tx repository.Tx, p *model.Payment, comment string) error {
	if p.Status != model.PaymentStatusPending {
		return fmt.Errorf("payment %s is %s: %w", p.ID, p.Status, domain.ErrIdempotentNoOp)
	}
	ok, err := l.payments.TransitionStatus(ctx, tx, p.ID, model.PaymentStatusPending, model.PaymentStatusFailed, repository.PaymentUpdate{Comments: &comment})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("payment %s already settled: %w", p.ID, domain.ErrIdempotentNoOp)
	}
	p.Status = model.PaymentStatusFailed
	p.Comments = comment
	return nil
}

// recordFailure writes p as failed (or pending when the outcome is unknown)
// with the error as its comment.
func (l *ledger) recordFailure(ctx context.Context, p *model.Payment, cause error) error {
	if domain.IsAmbiguous(cause) {
		p.Comments = ambiguousComment
	} else if err := p.Fail(cause.Error()); err != nil {
		return err
	}
	return l.payments.Save(ctx, repository.NoTX, p)
}
