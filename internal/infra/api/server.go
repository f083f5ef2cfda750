package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"subscription-billing/internal/infra/metrics"
	"subscription-billing/internal/usecase"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Health         map[string]HealthCheck
}

// Server exposes checkout, refunds, entitlement reads and processor
// notifications over JSON.
type Server struct {
	payUC   usecase.PaymentUseCase
	entUC   usecase.EntitlementUseCase
	hookUC  usecase.WebhookUseCase
	planUC  usecase.PlanUseCase
	auth    *AuthManager
	opts    Options
	log     *zerolog.Logger
	handler http.Handler
}

func NewServer(
	payUC usecase.PaymentUseCase,
	entUC usecase.EntitlementUseCase,
	hookUC usecase.WebhookUseCase,
	planUC usecase.PlanUseCase,
	auth *AuthManager,
	opts Options,
	logger *zerolog.Logger,
) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 45 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	l := logger.With().Str("component", "api").Logger()
	s := &Server{
		payUC:  payUC,
		entUC:  entUC,
		hookUC: hookUC,
		planUC: planUC,
		auth:   auth,
		opts:   opts,
		log:    &l,
	}
	s.handler = otelhttp.NewHandler(s.routes(), "billing-api")
	return s
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(TraceID())
	r.Use(Recover(s.log))
	r.Use(RequestLog(s.log))
	r.Use(MaxBody(s.opts.MaxBodyBytes))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	// processors retry on anything but 200, so this route never fails
	r.Post("/webhooks/{processor}", s.handleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Timeout(s.opts.RequestTimeout))

		r.Get("/plans", s.handleListPlans)
		r.Post("/refunds", s.handleRefund)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Authenticate)
			r.Post("/checkout", s.handleCheckout)
			r.Post("/orders", s.handleCreateOrder)
			r.Post("/subscription/cancel", s.handleCancel)
			r.Get("/payments", s.handleListPayments)
			r.Get("/entitlement", s.handleEntitlement)
		})
	})
	return r
}
