package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		entitlementChangesTotal,
		notificationsTotal,
	)
}

var (
	entitlementChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_entitlement_changes_total",
			Help: "Entitlement writes by action and reason.",
		},
		[]string{"action", "reason"}, // action: 'activate', 'deactivate'
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_notifications_total",
			Help: "Receipt emails by delivery status.",
		},
		[]string{"template", "status"}, // 'sent', 'error', 'dropped'
	)
)

func IncEntitlementChange(action, reason string) {
	entitlementChangesTotal.WithLabelValues(norm(action), norm(reason)).Inc()
}

func IncNotification(template, status string) {
	notificationsTotal.WithLabelValues(norm(template), norm(status)).Inc()
}
