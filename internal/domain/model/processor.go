package model

import (
	"fmt"
	"strings"

	"subscription-billing/internal/domain"
)

// Processor identifies an external payment processor. The set is closed.
type Processor string

const (
	ProcessorStripe   Processor = "stripe"   // card, synchronous charge
	ProcessorSquare   Processor = "squareup" // card, customer + card on file
	ProcessorPayPal   Processor = "paypal"   // hosted checkout, webhook-activated subscriptions
	ProcessorCoinbase Processor = "coinbase" // crypto, webhook-only settlement
)

var processors = []Processor{ProcessorStripe, ProcessorSquare, ProcessorPayPal, ProcessorCoinbase}

// Processors returns every known processor.
func Processors() []Processor {
	out := make([]Processor, len(processors))
	copy(out, processors)
	return out
}

func ParseProcessor(s string) (Processor, error) {
	p := Processor(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown processor %q", domain.ErrInvalidArgument, s)
	}
	return p, nil
}

func (p Processor) Valid() bool {
	for _, known := range processors {
		if p == known {
			return true
		}
	}
	return false
}

// SupportsRecurringCharge reports whether we can charge a stored payment
// method ourselves on the billing date.
func (p Processor) SupportsRecurringCharge() bool {
	return p == ProcessorStripe || p == ProcessorSquare
}

// WebhookDriven reports whether settlement arrives only through webhooks.
func (p Processor) WebhookDriven() bool {
	return p == ProcessorPayPal || p == ProcessorCoinbase
}

// SupportsOrders reports whether one-time purchases go through a
// create-order, approve, capture flow.
func (p Processor) SupportsOrders() bool {
	return p == ProcessorPayPal
}

func (p Processor) String() string { return string(p) }
