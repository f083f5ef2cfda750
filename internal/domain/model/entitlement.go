package model

import (
	"time"

	"subscription-billing/internal/domain"
)

// Entitlement is the billing-owned slice of a user record: what the user has
// paid for and when they are billed next. Other user fields live elsewhere.
type Entitlement struct {
	UserID          string
	Email           string
	Credits         int64
	IsPlanActive    bool
	PlanSubscribed  string
	NextBillingDate *time.Time
	Processor       Processor // empty when no stored payment method
	CardNonce       string
	PaymentNonce    string
	Version         int64 // optimistic concurrency counter
	UpdatedAt       time.Time
}

func (e *Entitlement) IsZero() bool { return e == nil || e.UserID == "" }

// Activate applies a plan purchase or renewal. Credits are additive and the
// billing date stacks on top of a still-future date. API plans grant credits
// and a billing date without flipping the active flag.
func (e *Entitlement) Activate(plan *Plan, cycleDays int, now time.Time) {
	if cycleDays <= 0 {
		cycleDays = plan.CycleDays()
	}
	cycle := time.Duration(cycleDays) * 24 * time.Hour

	base := now
	if e.NextBillingDate != nil && e.NextBillingDate.After(now) {
		base = *e.NextBillingDate
	}
	next := base.Add(cycle)

	e.Credits += plan.Credits
	e.PlanSubscribed = plan.CodeName
	e.NextBillingDate = &next
	if !plan.IsAPIPlan {
		e.IsPlanActive = true
	}
	e.UpdatedAt = now
}

// StorePaymentMethod remembers the tokens needed to rebill the user.
func (e *Entitlement) StorePaymentMethod(p *Payment) {
	e.Processor = p.Processor
	e.PaymentNonce = p.CustomerToken
	e.CardNonce = p.CardToken
}

// Deactivate clears the active flag and billing date together. The stored
// payment method is only wiped when clearMethod is set (explicit cancel).
func (e *Entitlement) Deactivate(clearMethod bool, now time.Time) {
	e.IsPlanActive = false
	e.NextBillingDate = nil
	if clearMethod {
		e.Processor = ""
		e.CardNonce = ""
		e.PaymentNonce = ""
	}
	e.UpdatedAt = now
}

// Validate checks is_plan_active => next_billing_date != nil.
func (e *Entitlement) Validate() error {
	if e.IsPlanActive && e.NextBillingDate == nil {
		return domain.ErrInvariantViolated
	}
	if e.Credits < 0 {
		return domain.ErrInvalidArgument
	}
	return nil
}

// DueOn reports whether the next billing date falls on the same calendar day as day.
func (e *Entitlement) DueOn(day time.Time) bool {
	if e.NextBillingDate == nil {
		return false
	}
	y1, m1, d1 := e.NextBillingDate.UTC().Date()
	y2, m2, d2 := day.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Expired reports whether an active plan's billing day lies before now's UTC
// day. A plan due today belongs to the rebill run, not to expiry.
func (e *Entitlement) Expired(now time.Time) bool {
	return e.IsPlanActive && e.NextBillingDate != nil && e.NextBillingDate.Before(StartOfDay(now))
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
