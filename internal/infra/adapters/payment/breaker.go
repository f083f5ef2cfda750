package payment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/infra/metrics"
)

var (
	_ adapter.PaymentProcessor = (*GuardedProcessor)(nil)
	_ adapter.OrderCreator     = (*GuardedProcessor)(nil)
	_ adapter.WebhookHandler   = (*GuardedProcessor)(nil)
	_ adapter.StatusChecker    = (*GuardedProcessor)(nil)
	_ adapter.PlanProvisioner  = (*GuardedProcessor)(nil)
)

type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	CallTimeout         time.Duration
}

// GuardedProcessor bounds every call to the inner processor with a deadline
// and a circuit breaker, and records call latency.
type GuardedProcessor struct {
	inner   adapter.PaymentProcessor
	cb      *gobreaker.CircuitBreaker[any]
	timeout time.Duration
	log     zerolog.Logger
}

func NewGuardedProcessor(inner adapter.PaymentProcessor, s BreakerSettings, logger *zerolog.Logger) *GuardedProcessor {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	name := string(inner.Name())
	log := logger.With().Str("component", "processor_breaker").Str("processor", name).Logger()

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("breaker state changed")
			metrics.SetBreakerState(name, int(to))
		},
		// declines and bad requests say nothing about provider health
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var pe *domain.ProcessorError
			if errors.As(err, &pe) {
				return pe.Kind != domain.ProcessorUnavailable && pe.Kind != domain.ProcessorTimeout
			}
			return true
		},
	})
	metrics.SetBreakerState(name, int(gobreaker.StateClosed))

	return &GuardedProcessor{inner: inner, cb: cb, timeout: s.CallTimeout, log: log}
}

// guarded runs fn under the breaker and the call deadline.
func guarded[T any](ctx context.Context, g *GuardedProcessor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := g.cb.Execute(func() (any, error) {
		v, err := fn(ctx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			var pe *domain.ProcessorError
			if !errors.As(err, &pe) {
				err = &domain.ProcessorError{Processor: string(g.inner.Name()), Kind: domain.ProcessorTimeout, Err: err}
			}
		}
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &domain.ProcessorError{
			Processor: string(g.inner.Name()), Kind: domain.ProcessorUnavailable,
			Detail: "circuit open", Err: err,
		}
	}
	metrics.ObserveProcessorCall(string(g.inner.Name()), op, callOutcome(err), time.Since(start))
	if err != nil {
		g.log.Debug().Err(err).Str("op", op).Msg("processor call failed")
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

func callOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, domain.ErrUnsupportedOperation) {
		return "unsupported"
	}
	var pe *domain.ProcessorError
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	return "error"
}

func (g *GuardedProcessor) Name() model.Processor { return g.inner.Name() }

func (g *GuardedProcessor) RequiresCustomer() bool { return g.inner.RequiresCustomer() }

// Unwrap returns the wrapped processor.
func (g *GuardedProcessor) Unwrap() adapter.PaymentProcessor { return g.inner }

func (g *GuardedProcessor) CreateCustomer(ctx context.Context, email string, method adapter.PaymentMethodRef) (adapter.CustomerResult, error) {
	return guarded(ctx, g, "create_customer", func(ctx context.Context) (adapter.CustomerResult, error) {
		return g.inner.CreateCustomer(ctx, email, method)
	})
}

func (g *GuardedProcessor) Charge(ctx context.Context, req adapter.ChargeRequest) (adapter.ChargeResult, error) {
	return guarded(ctx, g, "charge", func(ctx context.Context) (adapter.ChargeResult, error) {
		return g.inner.Charge(ctx, req)
	})
}

func (g *GuardedProcessor) CreateSubscription(ctx context.Context, email string, plan *model.Plan) (adapter.SubscriptionResult, error) {
	return guarded(ctx, g, "create_subscription", func(ctx context.Context) (adapter.SubscriptionResult, error) {
		return g.inner.CreateSubscription(ctx, email, plan)
	})
}

func (g *GuardedProcessor) Refund(ctx context.Context, chargeRef string, amount int64) (adapter.RefundResult, error) {
	return guarded(ctx, g, "refund", func(ctx context.Context) (adapter.RefundResult, error) {
		return g.inner.Refund(ctx, chargeRef, amount)
	})
}

func (g *GuardedProcessor) CreateOrder(ctx context.Context, amount int64, description string) (string, error) {
	oc, ok := g.inner.(adapter.OrderCreator)
	if !ok {
		return "", unsupported(g.inner.Name(), "create order")
	}
	return guarded(ctx, g, "create_order", func(ctx context.Context) (string, error) {
		return oc.CreateOrder(ctx, amount, description)
	})
}

// VerifyWebhook runs outside the breaker: an inbound notification must not be
// refused because outbound calls to the same processor are failing.
func (g *GuardedProcessor) VerifyWebhook(ctx context.Context, header http.Header, body []byte) error {
	wh, ok := g.inner.(adapter.WebhookHandler)
	if !ok {
		return unsupported(g.inner.Name(), "verify webhook")
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	start := time.Now()
	err := wh.VerifyWebhook(ctx, header, body)
	metrics.ObserveProcessorCall(string(g.inner.Name()), "verify_webhook", callOutcome(err), time.Since(start))
	return err
}

func (g *GuardedProcessor) ParseWebhook(body []byte) (*adapter.WebhookEvent, error) {
	wh, ok := g.inner.(adapter.WebhookHandler)
	if !ok {
		return nil, unsupported(g.inner.Name(), "parse webhook")
	}
	return wh.ParseWebhook(body)
}

func (g *GuardedProcessor) LookupStatus(ctx context.Context, token string) (model.PaymentStatus, error) {
	sc, ok := g.inner.(adapter.StatusChecker)
	if !ok {
		return "", unsupported(g.inner.Name(), "lookup status")
	}
	return guarded(ctx, g, "lookup_status", func(ctx context.Context) (model.PaymentStatus, error) {
		return sc.LookupStatus(ctx, token)
	})
}

type provisioned struct{ product, plan string }

func (g *GuardedProcessor) ProvisionPlan(ctx context.Context, plan *model.Plan) (string, string, error) {
	pp, ok := g.inner.(adapter.PlanProvisioner)
	if !ok {
		return "", "", unsupported(g.inner.Name(), "provision plan")
	}
	res, err := guarded(ctx, g, "provision_plan", func(ctx context.Context) (provisioned, error) {
		product, key, err := pp.ProvisionPlan(ctx, plan)
		return provisioned{product, key}, err
	})
	return res.product, res.plan, err
}
