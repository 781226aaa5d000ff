package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traumtag",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook request latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "traumtag",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookEventsProcessed counts background event processing outcomes.
	WebhookEventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traumtag",
		Subsystem: "billing",
		Name:      "webhook_events_processed_total",
		Help:      "Webhook events processed in the background, by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// CheckoutSessionsTotal counts checkout session creation attempts by outcome.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traumtag",
		Subsystem: "billing",
		Name:      "checkout_sessions_total",
		Help:      "Checkout session creation attempts by outcome.",
	}, []string{"outcome"})

	// AccountStatusTransitions counts account status projection changes.
	AccountStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traumtag",
		Subsystem: "billing",
		Name:      "account_status_transitions_total",
		Help:      "Account status transitions by resulting status.",
	}, []string{"status"})

	// ProfilesByStatus gauges the current number of profiles per account status.
	ProfilesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "traumtag",
		Subsystem: "billing",
		Name:      "profiles_by_status",
		Help:      "Current number of profiles per account status.",
	}, []string{"status"})

	// RetentionExpirations counts profiles expired by the retention enforcer.
	RetentionExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "traumtag",
		Subsystem: "billing",
		Name:      "retention_expirations_total",
		Help:      "Profiles downgraded after the scheduled-deletion window elapsed.",
	})
)
