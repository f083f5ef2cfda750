package payment

import (
	"encoding/json"
	"fmt"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

type coinbaseEnvelope struct {
	ID    string `json:"id"`
	Event struct {
		ID   string         `json:"id"`
		Type string         `json:"type"`
		Data coinbaseCharge `json:"data"`
	} `json:"event"`
}

var coinbaseEventKinds = map[string]adapter.WebhookKind{
	"charge:confirmed": adapter.WebhookActivation,
	"charge:resolved":  adapter.WebhookActivation,
	"charge:failed":    adapter.WebhookCancellation,
}

func parseCoinbaseEvent(body []byte) (*adapter.WebhookEvent, error) {
	var env coinbaseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: coinbase event: %v", domain.ErrInvalidArgument, err)
	}
	if env.Event.Type == "" {
		return nil, fmt.Errorf("%w: coinbase event without type", domain.ErrInvalidArgument)
	}
	data := env.Event.Data
	out := &adapter.WebhookEvent{
		Processor:    model.ProcessorCoinbase,
		Kind:         adapter.WebhookUnknown,
		EventType:    env.Event.Type,
		PaymentToken: data.Code,
		PlanCode:     data.Name,
		Email:        data.Metadata.Custom,
		Amount:       parseAmount(data.Pricing.Local.Amount),
		Raw:          json.RawMessage(body),
	}
	if k, ok := coinbaseEventKinds[env.Event.Type]; ok {
		out.Kind = k
	}
	return out, nil
}
