package payment

import (
	"encoding/json"
	"fmt"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

type paypalEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type paypalResource struct {
	ID                 string `json:"id"`
	PlanID             string `json:"plan_id"`
	Status             string `json:"status"`
	BillingAgreementID string `json:"billing_agreement_id"`
	CustomID           string `json:"custom_id"`
	Subscriber         struct {
		EmailAddress string `json:"email_address"`
	} `json:"subscriber"`
	Amount struct {
		Total string `json:"total"`
	} `json:"amount"`
}

var paypalEventKinds = map[string]adapter.WebhookKind{
	"BILLING.SUBSCRIPTION.ACTIVATED":      adapter.WebhookActivation,
	"BILLING.SUBSCRIPTION.CANCELLED":      adapter.WebhookCancellation,
	"BILLING.SUBSCRIPTION.EXPIRED":        adapter.WebhookCancellation,
	"BILLING.SUBSCRIPTION.SUSPENDED":      adapter.WebhookCancellation,
	"BILLING.SUBSCRIPTION.PAYMENT.FAILED": adapter.WebhookCancellation,
	"PAYMENT.SALE.COMPLETED":              adapter.WebhookRenewal,
}

// parsePayPalEvent normalizes a PayPal notification. Subscription events are
// keyed on the subscription id; sale events carry it as billing_agreement_id.
func parsePayPalEvent(body []byte) (*adapter.WebhookEvent, error) {
	var ev paypalEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: paypal event: %v", domain.ErrInvalidArgument, err)
	}
	if ev.EventType == "" {
		return nil, fmt.Errorf("%w: paypal event without type", domain.ErrInvalidArgument)
	}
	var res paypalResource
	if len(ev.Resource) > 0 {
		if err := json.Unmarshal(ev.Resource, &res); err != nil {
			return nil, fmt.Errorf("%w: paypal resource: %v", domain.ErrInvalidArgument, err)
		}
	}

	out := &adapter.WebhookEvent{
		Processor:    model.ProcessorPayPal,
		Kind:         adapter.WebhookUnknown,
		EventType:    ev.EventType,
		PaymentToken: res.ID,
		PlanKey:      res.PlanID,
		Email:        res.Subscriber.EmailAddress,
		Raw:          json.RawMessage(body),
	}
	if k, ok := paypalEventKinds[ev.EventType]; ok {
		out.Kind = k
	}
	if out.Kind == adapter.WebhookRenewal {
		// one-time sales have no agreement and are settled by capture
		if res.BillingAgreementID == "" {
			out.Kind = adapter.WebhookUnknown
		}
		out.ParentToken = res.BillingAgreementID
		out.Amount = parseAmount(res.Amount.Total)
	}
	return out, nil
}
