//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/usecase"
)

func assertKeys(t *testing.T, err error, want ...string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with keys %v, got nil", want)
	}
	if got := domain.ErrorKeys(err); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected keys %v, got %v (%v)", want, got, err)
	}
}

func TestPaymentUseCase_Checkout(t *testing.T) {
	ctx := context.Background()

	t.Run("one-time card charge grants credits and a default cycle", func(t *testing.T) {
		// Arrange
		f := newFixture(mustPlan("basic", 20, 600, 0))
		before := time.Now()

		// Act
		p, err := f.pay.Checkout(ctx, usecase.CheckoutInput{
			UserID: testUserID, PlanCode: "basic", Processor: "stripe", Nonce: "tok_visa",
		})

		// Assert
		if err != nil {
			t.Fatalf("Checkout returned an error: %v", err)
		}
		if p.Status != model.PaymentStatusSuccess || p.Amount != 20 {
			t.Errorf("unexpected payment %+v", p)
		}
		stored := f.payments.get(p.ID)
		if stored == nil || stored.Status != model.PaymentStatusSuccess || stored.PaymentToken == "" {
			t.Fatalf("payment not recorded as success: %+v", stored)
		}
		e := f.users.get(testUserID)
		if e.Credits != 600 {
			t.Errorf("expected 600 credits, got %d", e.Credits)
		}
		if !e.IsPlanActive || e.PlanSubscribed != "basic" {
			t.Errorf("expected active basic plan, got %+v", e)
		}
		wantMin := before.Add(31 * 24 * time.Hour)
		if e.NextBillingDate == nil || e.NextBillingDate.Before(wantMin) || e.NextBillingDate.After(wantMin.Add(time.Minute)) {
			t.Errorf("expected billing date ~%v, got %v", wantMin, e.NextBillingDate)
		}
		if e.Processor != "" {
			t.Errorf("one-time plan must not store a payment method, got %q", e.Processor)
		}
		if f.mailer.count() != 1 {
			t.Errorf("expected one receipt, got %d", f.mailer.count())
		}
	})

	t.Run("subscription checkout stores the payment method", func(t *testing.T) {
		f := newFixture(subscriptionPlan("pro", 30, 1000, ""))

		p, err := f.pay.Checkout(ctx, usecase.CheckoutInput{
			UserID: testUserID, PlanCode: "Pro", Processor: "squareup", Nonce: "cnon:card",
		})
		if err != nil {
			t.Fatalf("Checkout returned an error: %v", err)
		}
		e := f.users.get(testUserID)
		if e.Processor != model.ProcessorSquare || e.PaymentNonce == "" || e.CardNonce == "" {
			t.Errorf("payment method not stored: %+v", e)
		}
		if e.PaymentNonce != p.CustomerToken {
			t.Errorf("stored customer %q differs from payment %q", e.PaymentNonce, p.CustomerToken)
		}
	})

	t.Run("credits are additive and billing dates stack", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0))
		future := time.Now().Add(10 * 24 * time.Hour)
		f.users.put(&model.Entitlement{
			UserID: testUserID, Email: testEmail, Credits: 50, IsPlanActive: true,
			PlanSubscribed: "basic", NextBillingDate: datePtr(future),
		})

		if _, err := f.pay.Checkout(ctx, usecase.CheckoutInput{
			UserID: testUserID, PlanCode: "basic", Processor: "stripe", Nonce: "tok",
		}); err != nil {
			t.Fatalf("Checkout returned an error: %v", err)
		}

		e := f.users.get(testUserID)
		if e.Credits != 650 {
			t.Errorf("expected 650 credits, got %d", e.Credits)
		}
		want := future.Add(31 * 24 * time.Hour)
		if e.NextBillingDate == nil || !e.NextBillingDate.Equal(want) {
			t.Errorf("expected billing date %v, got %v", want, e.NextBillingDate)
		}
	})

	t.Run("validation errors are reported before any processor call", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0), mustPlan("free", 0, 10, 0))

		_, err := f.pay.Checkout(ctx, usecase.CheckoutInput{UserID: testUserID, PlanCode: "basic", Processor: "stripe"})
		assertKeys(t, err, domain.KeyMissingNonce)

		_, err = f.pay.Checkout(ctx, usecase.CheckoutInput{UserID: testUserID, Processor: "bitpay", Nonce: "n"})
		assertKeys(t, err, domain.KeyMissingPlan, domain.KeyInvalidProcessor)

		_, err = f.pay.Checkout(ctx, usecase.CheckoutInput{UserID: testUserID, PlanCode: "gold", Processor: "stripe", Nonce: "n"})
		assertKeys(t, err, domain.KeyPlanNotFound)

		_, err = f.pay.Checkout(ctx, usecase.CheckoutInput{UserID: testUserID, PlanCode: "free", Processor: "stripe", Nonce: "n"})
		assertKeys(t, err, domain.KeyEmptyAmount)

		_, err = f.pay.Checkout(ctx, usecase.CheckoutInput{UserID: "ghost", PlanCode: "basic", Processor: "stripe", Nonce: "n"})
		assertKeys(t, err, domain.KeyUserNotFound)

		_, err = f.pay.Checkout(ctx, usecase.CheckoutInput{UserID: testUserID, PlanCode: "basic", Processor: "coinbase", Nonce: "n"})
		assertKeys(t, err, domain.KeyInvalidProcessor)

		if n := len(f.payments.all()); n != 0 {
			t.Errorf("expected no ledger rows, got %d", n)
		}
	})

	t.Run("declined charge is recorded as failed and grants nothing", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0))
		f.procs.stripe.FailNext(domain.ProcessorDeclined)

		_, err := f.pay.Checkout(ctx, usecase.CheckoutInput{
			UserID: testUserID, PlanCode: "basic", Processor: "stripe", Nonce: "tok",
		})
		assertKeys(t, err, domain.KeyCardDeclined)

		rows := f.payments.all()
		if len(rows) != 1 || rows[0].Status != model.PaymentStatusFailed || rows[0].Comments == "" {
			t.Fatalf("expected one failed payment with a comment, got %+v", rows)
		}
		if e := f.users.get(testUserID); e.Credits != 0 || e.IsPlanActive {
			t.Errorf("declined charge changed the entitlement: %+v", e)
		}
		if f.mailer.count() != 0 {
			t.Errorf("no receipt expected for a failed charge")
		}
	})

	t.Run("processor timeout leaves the payment pending", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0))
		f.procs.square.FailNext(domain.ProcessorTimeout)

		_, err := f.pay.Checkout(ctx, usecase.CheckoutInput{
			UserID: testUserID, PlanCode: "basic", Processor: "squareup", Nonce: "cnon",
		})
		if !domain.IsAmbiguous(err) {
			t.Fatalf("expected an ambiguous error, got %v", err)
		}
		rows := f.payments.all()
		if len(rows) != 1 || rows[0].Status != model.PaymentStatusPending {
			t.Fatalf("expected one pending payment, got %+v", rows)
		}
		if e := f.users.get(testUserID); e.Credits != 0 {
			t.Errorf("timeout must not grant credits, got %d", e.Credits)
		}
	})

	t.Run("rate limited clients are rejected", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0))
		f.limiter.Allowed = false

		_, err := f.pay.Checkout(ctx, usecase.CheckoutInput{
			UserID: testUserID, PlanCode: "basic", Processor: "stripe", Nonce: "tok", ClientIP: "10.0.0.1",
		})
		if !errors.Is(err, domain.ErrRateLimited) {
			t.Fatalf("expected ErrRateLimited, got %v", err)
		}
		assertKeys(t, err, domain.KeyRateLimited)
	})

	t.Run("limiter outage does not block checkout", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0))
		f.limiter.Allowed = false
		f.limiter.Err = errors.New("redis down")

		if _, err := f.pay.Checkout(ctx, usecase.CheckoutInput{
			UserID: testUserID, PlanCode: "basic", Processor: "stripe", Nonce: "tok",
		}); err != nil {
			t.Fatalf("expected checkout to proceed, got %v", err)
		}
	})
}

func TestPaymentUseCase_CreateOrderOrSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("paypal one-time plan returns an order id without a ledger row", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0))

		res, err := f.pay.CreateOrderOrSubscription(ctx, testUserID, "basic", "paypal")
		if err != nil {
			t.Fatalf("CreateOrderOrSubscription returned an error: %v", err)
		}
		if res.ID == "" || res.Link != "" {
			t.Errorf("expected an order id only, got %+v", res)
		}
		if n := len(f.payments.all()); n != 0 {
			t.Errorf("expected no ledger rows, got %d", n)
		}
	})

	t.Run("paypal subscription creates a pending row and an approval link", func(t *testing.T) {
		f := newFixture(subscriptionPlan("pro", 30, 1000, "P-PRO"))

		res, err := f.pay.CreateOrderOrSubscription(ctx, testUserID, "pro", "paypal")
		if err != nil {
			t.Fatalf("CreateOrderOrSubscription returned an error: %v", err)
		}
		if res.Link == "" {
			t.Fatalf("expected an approval link, got %+v", res)
		}
		p := f.payments.get(res.PaymentID)
		if p == nil || p.Status != model.PaymentStatusPending || p.PaymentToken == "" {
			t.Fatalf("expected pending payment with a token, got %+v", p)
		}
		if e := f.users.get(testUserID); e.Credits != 0 {
			t.Errorf("nothing is granted before the webhook, got %d credits", e.Credits)
		}
	})

	t.Run("coinbase always uses a hosted charge", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0))

		res, err := f.pay.CreateOrderOrSubscription(ctx, testUserID, "basic", "coinbase")
		if err != nil {
			t.Fatalf("CreateOrderOrSubscription returned an error: %v", err)
		}
		if res.Link == "" || res.PaymentID == "" {
			t.Errorf("expected a hosted link, got %+v", res)
		}
	})

	t.Run("card processors are not valid here", func(t *testing.T) {
		f := newFixture(subscriptionPlan("pro", 30, 1000, ""))

		_, err := f.pay.CreateOrderOrSubscription(ctx, testUserID, "pro", "stripe")
		assertKeys(t, err, domain.KeyInvalidProcessor)
	})
}

func TestPaymentUseCase_Refund(t *testing.T) {
	ctx := context.Background()

	checkout := func(t *testing.T, f *fixture) *model.Payment {
		t.Helper()
		p, err := f.pay.Checkout(ctx, usecase.CheckoutInput{
			UserID: testUserID, PlanCode: "basic", Processor: "stripe", Nonce: "tok",
		})
		if err != nil {
			t.Fatalf("Checkout returned an error: %v", err)
		}
		return p
	}

	t.Run("refund of a successful payment deactivates the plan", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0))
		p := checkout(t, f)

		out, err := f.pay.Refund(ctx, p.ID, testEmail)
		if err != nil {
			t.Fatalf("Refund returned an error: %v", err)
		}
		if out.Status != model.PaymentStatusRefunded || out.RefundToken == "" {
			t.Errorf("unexpected refund result %+v", out)
		}
		stored := f.payments.get(p.ID)
		if stored.Status != model.PaymentStatusRefunded || stored.RefundToken != out.RefundToken {
			t.Errorf("refund not recorded: %+v", stored)
		}
		e := f.users.get(testUserID)
		if e.IsPlanActive || e.NextBillingDate != nil {
			t.Errorf("plan still active after refund: %+v", e)
		}
	})

	t.Run("only successful payments are refundable", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0))
		p := checkout(t, f)
		if _, err := f.pay.Refund(ctx, p.ID, testEmail); err != nil {
			t.Fatalf("first refund failed: %v", err)
		}

		_, err := f.pay.Refund(ctx, p.ID, testEmail)
		if !errors.Is(err, domain.ErrPaymentNotRefundable) {
			t.Fatalf("expected ErrPaymentNotRefundable, got %v", err)
		}
		assertKeys(t, err, domain.KeyPaymentNotSuccess)

		for _, st := range []model.PaymentStatus{model.PaymentStatusPending, model.PaymentStatusFailed} {
			q, _ := model.NewPayment(testUserID, model.ProcessorStripe, "basic", 20)
			q.Status = st
			f.payments.put(q)
			if _, err := f.pay.Refund(ctx, q.ID, testEmail); !errors.Is(err, domain.ErrPaymentNotRefundable) {
				t.Errorf("%s: expected ErrPaymentNotRefundable, got %v", st, err)
			}
			if got := f.payments.get(q.ID).Status; got != st {
				t.Errorf("%s payment changed to %s", st, got)
			}
		}
	})

	t.Run("input and ownership are checked", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0))
		p := checkout(t, f)

		_, err := f.pay.Refund(ctx, "", "")
		assertKeys(t, err, domain.KeyMissingPaymentUUID, domain.KeyMissingEmail)

		_, err = f.pay.Refund(ctx, p.ID, "someone@else.com")
		assertKeys(t, err, domain.KeyPaymentNotFound)
	})

	t.Run("processor refund failure keeps the payment successful", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0))
		p := checkout(t, f)
		f.procs.stripe.FailNext(domain.ProcessorInvalidRequest)

		if _, err := f.pay.Refund(ctx, p.ID, testEmail); err == nil {
			t.Fatal("expected refund to fail")
		}
		stored := f.payments.get(p.ID)
		if stored.Status != model.PaymentStatusSuccess {
			t.Errorf("expected success, got %s", stored.Status)
		}
		if stored.Comments == "" {
			t.Errorf("refund failure should be noted in comments")
		}
		if !f.users.get(testUserID).IsPlanActive {
			t.Errorf("plan should stay active when the refund failed")
		}
	})

	t.Run("coinbase payments cannot be refunded", func(t *testing.T) {
		f := newFixture(mustPlan("basic", 20, 600, 0))
		q, _ := model.NewPayment(testUserID, model.ProcessorCoinbase, "basic", 20)
		q.Status = model.PaymentStatusSuccess
		q.PaymentToken = "CB-1"
		f.payments.put(q)

		_, err := f.pay.Refund(ctx, q.ID, testEmail)
		if !errors.Is(err, domain.ErrUnsupportedOperation) {
			t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
		}
		assertKeys(t, err, domain.KeyRefundNotSupported)
		if f.payments.get(q.ID).Status != model.PaymentStatusSuccess {
			t.Errorf("payment must stay successful")
		}
	})
}

func TestPaymentUseCase_ReconcilePending(t *testing.T) {
	ctx := context.Background()

	seed := func(f *fixture, proc model.Processor, token string) *model.Payment {
		p, _ := model.NewPayment(testUserID, proc, "pro", 30)
		p.PaymentToken = token
		p.CreatedAt = time.Now().Add(-2 * time.Hour)
		f.payments.put(p)
		return p
	}

	t.Run("settles pending payments from the processor status", func(t *testing.T) {
		f := newFixture(subscriptionPlan("pro", 30, 1000, "P-PRO"))
		won := seed(f, model.ProcessorPayPal, "I-WON")
		lost := seed(f, model.ProcessorPayPal, "I-LOST")
		waiting := seed(f, model.ProcessorPayPal, "I-WAIT")
		untracked := seed(f, model.ProcessorStripe, "")
		f.procs.paypal.SetStatus("I-WON", model.PaymentStatusSuccess)
		f.procs.paypal.SetStatus("I-LOST", model.PaymentStatusFailed)

		rep, err := f.pay.ReconcilePending(ctx, time.Hour)
		if err != nil {
			t.Fatalf("ReconcilePending returned an error: %v", err)
		}

		want := usecase.JobReport{Scanned: 4, Succeeded: 1, Failed: 1, Skipped: 2}
		if rep != want {
			t.Errorf("expected report %+v, got %+v", want, rep)
		}
		if f.payments.get(won.ID).Status != model.PaymentStatusSuccess {
			t.Errorf("won payment not settled")
		}
		if f.payments.get(lost.ID).Status != model.PaymentStatusFailed {
			t.Errorf("lost payment not failed")
		}
		if f.payments.get(waiting.ID).Status != model.PaymentStatusPending || f.payments.get(untracked.ID).Status != model.PaymentStatusPending {
			t.Errorf("undecided payments must stay pending")
		}
		if e := f.users.get(testUserID); e.Credits != 1000 {
			t.Errorf("expected 1000 credits from the settled payment, got %d", e.Credits)
		}
	})

	t.Run("unresolvable backlog does not starve newer payments", func(t *testing.T) {
		f := newFixture(subscriptionPlan("pro", 30, 1000, "P-PRO"))
		pay := usecase.NewPaymentUseCase(f.payments, f.plans, f.users, f.ent, f.procs.registry, f.tm, f.limiter, nil,
			usecase.PaymentSettings{Currency: "USD", ReconcileBatch: 2}, newTestLogger())
		for i := 0; i < 3; i++ {
			p := seed(f, model.ProcessorPayPal, "")
			p.CreatedAt = time.Now().Add(-time.Duration(10+i) * time.Hour)
			f.payments.put(p)
		}
		newer := seed(f, model.ProcessorPayPal, "I-LATE")
		f.procs.paypal.SetStatus("I-LATE", model.PaymentStatusSuccess)

		rep, err := pay.ReconcilePending(ctx, time.Hour)
		if err != nil {
			t.Fatalf("ReconcilePending returned an error: %v", err)
		}
		if rep.Scanned != 4 || rep.Succeeded != 1 || rep.Skipped != 3 {
			t.Errorf("unexpected report %+v", rep)
		}
		if f.payments.get(newer.ID).Status != model.PaymentStatusSuccess {
			t.Errorf("newer pending payment never reconciled")
		}
	})

	t.Run("unresolvable payments past the abandon cutoff are failed", func(t *testing.T) {
		f := newFixture(subscriptionPlan("pro", 30, 1000, "P-PRO"))
		pay := usecase.NewPaymentUseCase(f.payments, f.plans, f.users, f.ent, f.procs.registry, f.tm, f.limiter, nil,
			usecase.PaymentSettings{Currency: "USD", AbandonAfter: 24 * time.Hour}, newTestLogger())
		stale := seed(f, model.ProcessorStripe, "")
		stale.CreatedAt = time.Now().Add(-48 * time.Hour)
		f.payments.put(stale)
		fresh := seed(f, model.ProcessorStripe, "")

		rep, err := pay.ReconcilePending(ctx, time.Hour)
		if err != nil {
			t.Fatalf("ReconcilePending returned an error: %v", err)
		}
		if rep.Failed != 1 || rep.Skipped != 1 {
			t.Errorf("unexpected report %+v", rep)
		}
		got := f.payments.get(stale.ID)
		if got.Status != model.PaymentStatusFailed || !strings.Contains(got.Comments, "abandoned") {
			t.Errorf("stale payment not abandoned: %+v", got)
		}
		if f.payments.get(fresh.ID).Status != model.PaymentStatusPending {
			t.Errorf("payment inside the cutoff must stay pending")
		}
		if e := f.users.get(testUserID); e.Credits != 0 {
			t.Errorf("abandoned payment granted credits: %+v", e)
		}
	})

	t.Run("recent pending payments are left alone", func(t *testing.T) {
		f := newFixture(subscriptionPlan("pro", 30, 1000, "P-PRO"))
		p, _ := model.NewPayment(testUserID, model.ProcessorPayPal, "pro", 30)
		p.PaymentToken = "I-NEW"
		f.payments.put(p)
		f.procs.paypal.SetStatus("I-NEW", model.PaymentStatusSuccess)

		rep, err := f.pay.ReconcilePending(ctx, time.Hour)
		if err != nil {
			t.Fatalf("ReconcilePending returned an error: %v", err)
		}
		if rep.Scanned != 0 {
			t.Errorf("expected nothing scanned, got %+v", rep)
		}
	})
}

func TestPaymentUseCase_ListForUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(mustPlan("basic", 20, 600, 0))
	for i := 0; i < 3; i++ {
		if _, err := f.pay.Checkout(ctx, usecase.CheckoutInput{
			UserID: testUserID, PlanCode: "basic", Processor: "stripe", Nonce: "tok",
		}); err != nil {
			t.Fatalf("Checkout returned an error: %v", err)
		}
	}
	other, _ := model.NewPayment("user-2", model.ProcessorStripe, "basic", 20)
	f.payments.put(other)

	list, err := f.pay.ListForUser(ctx, testUserID)
	if err != nil {
		t.Fatalf("ListForUser returned an error: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 payments, got %d", len(list))
	}
	for _, p := range list {
		if !p.OwnedBy(testUserID) {
			t.Errorf("payment %s belongs to another user", p.ID)
		}
	}
}
