package adapter

import (
	"context"
	"encoding/json"
	"net/http"

	"subscription-billing/internal/domain/model"
)

// PaymentMethodRef points at a payment method on the processor side: either a
// one-shot nonce from the client, or stored customer/card tokens.
type PaymentMethodRef struct {
	Nonce         string
	CustomerToken string
	CardToken     string
}

type ChargeRequest struct {
	Amount      int64 // whole currency units
	Method      PaymentMethodRef
	Email       string
	Description string
	// IdempotencyKey is forwarded to processors that support it.
	IdempotencyKey string
}

type ChargeResult struct {
	ChargeID      string
	CustomerToken string
	CardToken     string
	Card          model.CardDetails
	Raw           json.RawMessage
}

type CustomerResult struct {
	CustomerToken string
	CardToken     string
	Card          model.CardDetails
	Raw           json.RawMessage
}

type SubscriptionResult struct {
	SubscriptionID string
	RedirectURL    string
	Raw            json.RawMessage
}

type RefundResult struct {
	RefundID string
	Status   string
	Raw      json.RawMessage
}

// PaymentProcessor is the hex port every processor adapter implements.
// Unsupported operations return domain.ErrUnsupportedOperation.
// Failures at the processor are reported as *domain.ProcessorError.
type PaymentProcessor interface {
	Name() model.Processor

	// RequiresCustomer reports whether a durable customer object must exist
	// before the first charge.
	RequiresCustomer() bool
	CreateCustomer(ctx context.Context, email string, method PaymentMethodRef) (CustomerResult, error)
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	CreateSubscription(ctx context.Context, email string, plan *model.Plan) (SubscriptionResult, error)
	Refund(ctx context.Context, chargeRef string, amount int64) (RefundResult, error)
}

// OrderCreator is implemented by processors with a two-step hosted one-time
// checkout (create order, buyer approves, capture with Charge).
type OrderCreator interface {
	CreateOrder(ctx context.Context, amount int64, description string) (orderID string, err error)
}

// WebhookEvent is a processor notification normalized for the ledger.
type WebhookEvent struct {
	Processor    model.Processor
	Kind         WebhookKind
	EventType    string
	PaymentToken string // correlates with Payment.PaymentToken
	ParentToken  string // renewals: the subscription's payment token
	PlanKey      string // processor-side plan identifier
	PlanCode     string // our plan code when the processor echoes it
	Email        string
	Amount       int64
	Raw          json.RawMessage
}

type WebhookKind string

const (
	WebhookActivation   WebhookKind = "activation"
	WebhookCancellation WebhookKind = "cancellation"
	WebhookRenewal      WebhookKind = "renewal"
	WebhookUnknown      WebhookKind = "unknown"
)

// WebhookHandler verifies and parses processor notifications.
type WebhookHandler interface {
	VerifyWebhook(ctx context.Context, header http.Header, body []byte) error
	ParseWebhook(body []byte) (*WebhookEvent, error)
}

// StatusChecker looks up the processor-side state of a pending payment.
// It returns PaymentStatusPending when the processor has not decided yet.
type StatusChecker interface {
	LookupStatus(ctx context.Context, paymentToken string) (model.PaymentStatus, error)
}

// PlanProvisioner creates processor-side billing plans for catalog entries and
// returns the plan key to store on the plan.
type PlanProvisioner interface {
	ProvisionPlan(ctx context.Context, plan *model.Plan) (productKey, planKey string, err error)
}

// ProcessorRegistry resolves the adapter for a processor and its optional
// capabilities. Lookups for unconfigured processors fail.
type ProcessorRegistry interface {
	Get(p model.Processor) (PaymentProcessor, error)
	OrderCreator(p model.Processor) (OrderCreator, bool)
	WebhookHandler(p model.Processor) (WebhookHandler, bool)
	StatusChecker(p model.Processor) (StatusChecker, bool)
	PlanProvisioner(p model.Processor) (PlanProvisioner, bool)
}
