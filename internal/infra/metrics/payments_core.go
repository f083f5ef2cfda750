package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		paymentsTotal,
		paymentsRevenueTotal,
		processorCallDuration,
		processorBreakerState,
		rateLimitedTotal,
	)
}

var (
	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_payments_total",
			Help: "Ledger writes by processor and resulting status.",
		},
		[]string{"processor", "status"},
	)

	paymentsRevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_payments_revenue_total",
			Help: "The total monetary value of successful payments, labeled by processor and currency.",
		},
		[]string{"processor", "currency"},
	)

	// outcome: ok|declined|invalid_request|provider_unavailable|timeout|unsupported
	processorCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_processor_call_duration_seconds",
			Help:    "Latency of outbound processor calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"processor", "op", "outcome"},
	)

	// 0 closed, 1 half-open, 2 open
	processorBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billing_processor_breaker_state",
			Help: "Circuit breaker state per processor.",
		},
		[]string{"processor"},
	)

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_rate_limited_total",
			Help: "Requests rejected by a rate limiter.",
		},
		[]string{"scope"},
	)
)

func IncPayment(processor, status string) {
	paymentsTotal.WithLabelValues(norm(processor), norm(status)).Inc()
}

func AddPaymentRevenue(processor, currency string, amount int64) {
	paymentsRevenueTotal.WithLabelValues(norm(processor), norm(currency)).Add(float64(amount))
}

func ObserveProcessorCall(processor, op, outcome string, d time.Duration) {
	processorCallDuration.WithLabelValues(norm(processor), norm(op), norm(outcome)).Observe(d.Seconds())
}

func SetBreakerState(processor string, state int) {
	processorBreakerState.WithLabelValues(norm(processor)).Set(float64(state))
}

func IncRateLimited(scope string) {
	rateLimitedTotal.WithLabelValues(norm(scope)).Inc()
}
