package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

var _ adapter.PaymentProcessor = (*StripeProcessor)(nil)

// StripeProcessor charges cards through Stripe: the client token is attached
// to a customer, and every charge (first and recurring) goes to that customer.
type StripeProcessor struct {
	api      *client.API
	currency string
}

// NewStripeProcessor builds a processor on its own API client. baseURL may be
// empty for the live endpoint.
func NewStripeProcessor(secretKey, baseURL, currency string, timeout time.Duration) (*StripeProcessor, error) {
	if secretKey == "" {
		return nil, errors.New("stripe secret key empty")
	}
	cfg := &stripe.BackendConfig{
		HTTPClient:        newHTTPClient(timeout),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if baseURL != "" {
		cfg.URL = stripe.String(baseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &StripeProcessor{api: api, currency: strings.ToLower(currency)}, nil
}

func (s *StripeProcessor) Name() model.Processor { return model.ProcessorStripe }

func (s *StripeProcessor) RequiresCustomer() bool { return true }

// CreateCustomer attaches the card token (tok_...) to a new customer.
func (s *StripeProcessor) CreateCustomer(ctx context.Context, email string, method adapter.PaymentMethodRef) (adapter.CustomerResult, error) {
	if !strings.HasPrefix(method.Nonce, "tok_") {
		return adapter.CustomerResult{}, &domain.ProcessorError{
			Processor: string(model.ProcessorStripe), Kind: domain.ProcessorInvalidRequest,
			Code: domain.KeyPaymentNotFound, Detail: "token is not a stripe card token",
		}
	}
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(email),
		Source: stripe.String(method.Nonce),
	}
	cus, err := s.api.Customers.New(params)
	if err != nil {
		return adapter.CustomerResult{}, stripeError(err)
	}
	res := adapter.CustomerResult{CustomerToken: cus.ID}
	if cus.LastResponse != nil {
		res.Raw = cus.LastResponse.RawJSON
	}
	return res, nil
}

func (s *StripeProcessor) Charge(ctx context.Context, req adapter.ChargeRequest) (adapter.ChargeResult, error) {
	if req.Method.CustomerToken == "" {
		return adapter.ChargeResult{}, &domain.ProcessorError{
			Processor: string(model.ProcessorStripe), Kind: domain.ProcessorInvalidRequest,
			Code: domain.KeyMissingCustomer, Detail: "charge without customer",
		}
	}
	if req.Amount <= 0 {
		return adapter.ChargeResult{}, domain.NewValidationError(domain.KeyEmptyAmount)
	}
	params := &stripe.ChargeParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(minorUnits(req.Amount)),
		Currency:    stripe.String(s.currency),
		Customer:    stripe.String(req.Method.CustomerToken),
		Description: stripe.String(req.Description),
	}
	if req.Email != "" {
		params.ReceiptEmail = stripe.String(req.Email)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	ch, err := s.api.Charges.New(params)
	if err != nil {
		return adapter.ChargeResult{}, stripeError(err)
	}
	if ch.Status == stripe.ChargeStatusFailed || !ch.Paid {
		return adapter.ChargeResult{}, &domain.ProcessorError{
			Processor: string(model.ProcessorStripe), Kind: domain.ProcessorDeclined,
			Detail: ch.FailureMessage,
		}
	}

	res := adapter.ChargeResult{
		ChargeID:      ch.ID,
		CustomerToken: req.Method.CustomerToken,
	}
	if d := ch.PaymentMethodDetails; d != nil && d.Card != nil {
		res.Card = model.CardDetails{
			Brand:    fmt.Sprint(d.Card.Brand),
			ExpMonth: fmt.Sprint(d.Card.ExpMonth),
			ExpYear:  fmt.Sprint(d.Card.ExpYear),
			Last4:    d.Card.Last4,
		}
	}
	if ch.LastResponse != nil {
		res.Raw = ch.LastResponse.RawJSON
	}
	return res, nil
}

func (s *StripeProcessor) CreateSubscription(ctx context.Context, email string, plan *model.Plan) (adapter.SubscriptionResult, error) {
	return adapter.SubscriptionResult{}, unsupported(model.ProcessorStripe, "create subscription")
}

func (s *StripeProcessor) Refund(ctx context.Context, chargeRef string, amount int64) (adapter.RefundResult, error) {
	params := &stripe.RefundParams{
		Params: stripe.Params{Context: ctx},
		Charge: stripe.String(chargeRef),
	}
	if amount > 0 {
		params.Amount = stripe.Int64(minorUnits(amount))
	}
	rf, err := s.api.Refunds.New(params)
	if err != nil {
		return adapter.RefundResult{}, stripeError(err)
	}
	res := adapter.RefundResult{RefundID: rf.ID, Status: string(rf.Status)}
	if rf.LastResponse != nil {
		res.Raw = rf.LastResponse.RawJSON
	}
	return res, nil
}

// stripeError classifies stripe-go failures: card errors are declines,
// invalid requests are ours, everything else is the provider.
func stripeError(err error) error {
	pe := &domain.ProcessorError{Processor: string(model.ProcessorStripe), Err: err}
	var se *stripe.Error
	if !errors.As(err, &se) {
		if errors.Is(err, context.DeadlineExceeded) {
			pe.Kind = domain.ProcessorTimeout
		} else {
			pe.Kind = domain.ProcessorUnavailable
		}
		return pe
	}
	pe.Detail = se.Msg
	switch se.Type {
	case stripe.ErrorTypeCard:
		pe.Kind = domain.ProcessorDeclined
	case stripe.ErrorTypeInvalidRequest:
		pe.Kind = domain.ProcessorInvalidRequest
		if se.Code == stripe.ErrorCodeResourceMissing {
			pe.Code = domain.KeyPaymentNotFound
		}
	default:
		pe.Kind = domain.ProcessorUnavailable
	}
	return pe
}
