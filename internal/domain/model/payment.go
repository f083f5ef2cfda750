package model

import (
	"encoding/json"
	"fmt"
	"time"

	"subscription-billing/internal/domain"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"  // dispatched; awaiting processor outcome
	PaymentStatusSuccess  PaymentStatus = "success"  // money captured
	PaymentStatusFailed   PaymentStatus = "failed"   // terminal
	PaymentStatusRefunded PaymentStatus = "refunded" // terminal
)

// CanTransitionTo encodes the forward-only ledger state machine:
// pending -> success | failed, success -> refunded.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusSuccess || next == PaymentStatusFailed
	case PaymentStatusSuccess:
		return next == PaymentStatusRefunded
	default:
		return false
	}
}

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusFailed || s == PaymentStatusRefunded
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// CardDetails is display-only card metadata. Never the card number.
type CardDetails struct {
	Brand    string
	ExpMonth string
	ExpYear  string
	Last4    string
}

// Payment is one ledger entry: an attempted charge, subscription or order.
type Payment struct {
	ID            string  // UUID
	UserID        *string // nil once the user is deleted
	Processor     Processor
	PlanCode      string
	Amount        int64 // whole currency units
	Status        PaymentStatus
	PaymentToken  string // processor charge/order/subscription id
	RefundToken   string
	CustomerToken string
	CardToken     string
	Card          CardDetails
	Comments      string
	PaymentData   json.RawMessage // raw processor payload
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewPayment builds a pending ledger entry for the given user and plan.
func NewPayment(userID string, processor Processor, planCode string, amount int64) (*Payment, error) {
	if !processor.Valid() || amount < 0 {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	p := &Payment{
		ID:        uuid.NewString(),
		Processor: processor,
		PlanCode:  planCode,
		Amount:    amount,
		Status:    PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if userID != "" {
		p.UserID = &userID
	}
	return p, nil
}

// Transition moves the payment to next, enforcing the state machine.
func (p *Payment) Transition(next PaymentStatus) error {
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = time.Now()
	return nil
}

// Fail marks a pending payment failed and records why.
func (p *Payment) Fail(comment string) error {
	if err := p.Transition(PaymentStatusFailed); err != nil {
		return err
	}
	p.Comments = comment
	return nil
}

func (p *Payment) OwnedBy(userID string) bool {
	return p.UserID != nil && *p.UserID == userID
}

func (p *Payment) UserRef() string {
	if p.UserID == nil {
		return ""
	}
	return *p.UserID
}
