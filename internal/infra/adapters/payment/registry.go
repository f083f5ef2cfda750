package payment

import (
	"fmt"

	"github.com/rs/zerolog"

	"subscription-billing/internal/config"
	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

var _ adapter.ProcessorRegistry = (*Registry)(nil)

// Registry is the closed set of configured processors, each behind its own
// breaker. Capability lookups succeed only when the raw adapter has it.
type Registry struct {
	guarded map[model.Processor]*GuardedProcessor
}

func NewRegistry() *Registry {
	return &Registry{guarded: make(map[model.Processor]*GuardedProcessor)}
}

// Register wraps p and makes it resolvable by its name.
func (r *Registry) Register(p adapter.PaymentProcessor, s BreakerSettings, logger *zerolog.Logger) {
	r.guarded[p.Name()] = NewGuardedProcessor(p, s, logger)
}

func (r *Registry) Get(p model.Processor) (adapter.PaymentProcessor, error) {
	g, ok := r.guarded[p]
	if !ok {
		return nil, fmt.Errorf("processor %q not configured: %w", p, domain.NewValidationError(domain.KeyInvalidProcessor))
	}
	return g, nil
}

func (r *Registry) OrderCreator(p model.Processor) (adapter.OrderCreator, bool) {
	g, ok := r.guarded[p]
	if !ok || !p.SupportsOrders() {
		return nil, false
	}
	if _, ok := g.inner.(adapter.OrderCreator); !ok {
		return nil, false
	}
	return g, true
}

func (r *Registry) WebhookHandler(p model.Processor) (adapter.WebhookHandler, bool) {
	g, ok := r.guarded[p]
	if !ok || !p.WebhookDriven() {
		return nil, false
	}
	if _, ok := g.inner.(adapter.WebhookHandler); !ok {
		return nil, false
	}
	return g, true
}

func (r *Registry) StatusChecker(p model.Processor) (adapter.StatusChecker, bool) {
	g, ok := r.guarded[p]
	if !ok {
		return nil, false
	}
	if _, ok := g.inner.(adapter.StatusChecker); !ok {
		return nil, false
	}
	return g, true
}

func (r *Registry) PlanProvisioner(p model.Processor) (adapter.PlanProvisioner, bool) {
	g, ok := r.guarded[p]
	if !ok {
		return nil, false
	}
	if _, ok := g.inner.(adapter.PlanProvisioner); !ok {
		return nil, false
	}
	return g, true
}

// Configured lists registered processors in enum order.
func (r *Registry) Configured() []model.Processor {
	var out []model.Processor
	for _, p := range model.Processors() {
		if _, ok := r.guarded[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// BuildRegistry registers every processor with credentials in cfg. In dev
// mode processors without credentials fall back to NoopProcessor.
func BuildRegistry(cfg *config.Config, logger *zerolog.Logger) (*Registry, error) {
	r := NewRegistry()
	bs := BreakerSettings{
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		CallTimeout:         cfg.Billing.ProcessorTimeout,
	}
	timeout := cfg.Billing.ProcessorTimeout
	currency := cfg.Billing.Currency

	if cfg.Stripe.SecretKey != "" {
		p, err := NewStripeProcessor(cfg.Stripe.SecretKey, cfg.Stripe.BaseURL, currency, timeout)
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		r.Register(p, bs, logger)
	}
	if cfg.Square.AccessToken != "" {
		p, err := NewSquareProcessor(cfg.Square.AccessToken, cfg.Square.LocationID, currency, cfg.Square.BaseURL, cfg.Square.Sandbox, timeout)
		if err != nil {
			return nil, fmt.Errorf("square: %w", err)
		}
		r.Register(p, bs, logger)
	}
	if cfg.PayPal.ClientID != "" {
		p, err := NewPayPalProcessor(PayPalOptions{
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			WebhookID:    cfg.PayPal.WebhookID,
			BaseURL:      cfg.PayPal.BaseURL,
			Sandbox:      cfg.PayPal.Sandbox,
			Currency:     currency,
			BrandName:    cfg.PayPal.BrandName,
			ReturnURL:    cfg.PayPal.ReturnURL,
			CancelURL:    cfg.PayPal.CancelURL,
			Timeout:      timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("paypal: %w", err)
		}
		r.Register(p, bs, logger)
	}
	if cfg.Coinbase.APIKey != "" {
		p, err := NewCoinbaseProcessor(CoinbaseOptions{
			APIKey:        cfg.Coinbase.APIKey,
			WebhookSecret: cfg.Coinbase.WebhookSecret,
			BaseURL:       cfg.Coinbase.BaseURL,
			Currency:      currency,
			RedirectURL:   cfg.Coinbase.RedirectURL,
			CancelURL:     cfg.Coinbase.CancelURL,
			Timeout:       timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("coinbase: %w", err)
		}
		r.Register(p, bs, logger)
	}

	if cfg.Runtime.Dev {
		for _, p := range model.Processors() {
			if _, ok := r.guarded[p]; !ok {
				logger.Warn().Str("processor", string(p)).Msg("no credentials; using noop processor")
				r.Register(NewNoopProcessor(p), bs, logger)
			}
		}
	}
	return r, nil
}
