package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// webhookEvents counts parsed channel webhook payloads by channel
	// type and inbound kind (message, challenge, noop, error).
	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_webhook_events_total",
			Help: "Total channel webhook payloads by channel type and result kind.",
		},
		[]string{"channel", "kind"},
	)

	// syncOps counts CRM sync attempts by provider, action and outcome.
	syncOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_sync_operations_total",
			Help: "Total CRM sync operations by provider, action and status.",
		},
		[]string{"provider", "action", "status"},
	)

	// breakerTrips counts circuit breaker deactivations by provider.
	breakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_integration_deactivations_total",
			Help: "Total integrations deactivated after consecutive sync failures.",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(webhookEvents, syncOps, breakerTrips)
}

// CountWebhookEvent records one parsed channel webhook payload.
func CountWebhookEvent(channel, kind string) {
	webhookEvents.WithLabelValues(channel, kind).Inc()
}

// CountSyncOp records one CRM sync attempt outcome.
func CountSyncOp(provider, action, status string) {
	syncOps.WithLabelValues(provider, action, status).Inc()
}

// CountBreakerTrip records one circuit breaker deactivation.
func CountBreakerTrip(provider string) {
	breakerTrips.WithLabelValues(provider).Inc()
}
