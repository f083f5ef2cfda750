//go:build !integration

package api

import (
	"context"
	"net/http"
	"time"

	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/usecase"
)

// --- Mock use cases ---

type mockPaymentUC struct {
	CheckoutFunc    func(ctx context.Context, in usecase.CheckoutInput) (*model.Payment, error)
	CreateOrderFunc func(ctx context.Context, userID, planCode, processor string) (*usecase.OrderResult, error)
	RefundFunc      func(ctx context.Context, paymentID, email string) (*model.Payment, error)
	ListFunc        func(ctx context.Context, userID string) ([]*model.Payment, error)
}

func (m *mockPaymentUC) Checkout(ctx context.Context, in usecase.CheckoutInput) (*model.Payment, error) {
	return m.CheckoutFunc(ctx, in)
}

func (m *mockPaymentUC) CreateOrderOrSubscription(ctx context.Context, userID, planCode, processor string) (*usecase.OrderResult, error) {
	return m.CreateOrderFunc(ctx, userID, planCode, processor)
}

func (m *mockPaymentUC) Refund(ctx context.Context, paymentID, email string) (*model.Payment, error) {
	return m.RefundFunc(ctx, paymentID, email)
}

func (m *mockPaymentUC) ReconcilePending(ctx context.Context, olderThan time.Duration) (usecase.JobReport, error) {
	return usecase.JobReport{}, nil
}

func (m *mockPaymentUC) ListForUser(ctx context.Context, userID string) ([]*model.Payment, error) {
	return m.ListFunc(ctx, userID)
}

type mockEntitlementUC struct {
	usecase.EntitlementUseCase // only Cancel and Get are served over HTTP
	CancelFunc                 func(ctx context.Context, userID string) (*model.Entitlement, error)
	GetFunc                    func(ctx context.Context, userID string) (*model.Entitlement, error)
}

func (m *mockEntitlementUC) Cancel(ctx context.Context, userID string) (*model.Entitlement, error) {
	return m.CancelFunc(ctx, userID)
}

func (m *mockEntitlementUC) Get(ctx context.Context, userID string) (*model.Entitlement, error) {
	return m.GetFunc(ctx, userID)
}

type webhookCall struct {
	Processor model.Processor
	Body      string
}

type mockWebhookUC struct {
	Calls   []webhookCall
	Outcome usecase.WebhookOutcome
}

func (m *mockWebhookUC) Handle(ctx context.Context, processor model.Processor, header http.Header, body []byte) usecase.WebhookOutcome {
	m.Calls = append(m.Calls, webhookCall{Processor: processor, Body: string(body)})
	return m.Outcome
}

type mockPlanUC struct {
	usecase.PlanUseCase
	Plans []*model.Plan
}

func (m *mockPlanUC) List(ctx context.Context) ([]*model.Plan, error) {
	return m.Plans, nil
}
