package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(webhookEventsTotal) }

// outcome: applied|duplicate|not_applicable|ignored|rejected|error
var webhookEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Processor notifications by processor, event kind and outcome.",
	},
	[]string{"processor", "kind", "outcome"},
)

func IncWebhookEvent(processor, kind, outcome string) {
	webhookEventsTotal.WithLabelValues(norm(processor), norm(kind), norm(outcome)).Inc()
}
