// Package prommetrics exports billing webhook and reconciliation metrics to Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/zarahub/pkg/billing"
	"github.com/mihaimyh/zarahub/pkg/quota"
)

// Stripe retries failed deliveries for up to three days
var eventLagBuckets = []float64{1, 5, 30, 60, 300, 1800, 3600, 6 * 3600, 24 * 3600, 72 * 3600}

// Metrics implements billing.Metrics using Prometheus
type Metrics struct {
	webhookEvents     *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	webhookRejections *prometheus.CounterVec
	eventLag          *prometheus.HistogramVec
	tierChanges       *prometheus.CounterVec
	syncs             *prometheus.CounterVec
	apiCalls          *prometheus.CounterVec
	apiCallDuration   *prometheus.HistogramVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics registers the billing metrics on reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Verified billing webhook events by type and outcome.",
		}, []string{"provider", "event_type", "outcome"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Time spent applying a verified webhook event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "outcome"}),

		webhookRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_rejections_total",
			Help:      "Webhook requests refused before processing.",
		}, []string{"provider", "reason"}),

		eventLag: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_event_lag_seconds",
			Help:      "Age of webhook events when they were processed.",
			Buckets:   eventLagBuckets,
		}, []string{"provider"}),

		tierChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "tier_changes_total",
			Help:      "Stored subscription tier transitions applied from billing.",
		}, []string{"provider", "from_tier", "to_tier"}),

		syncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "syncs_total",
			Help:      "Per-user reconciliations against the billing API by resulting tier.",
		}, []string{"provider", "tier", "result"}),

		apiCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_calls_total",
			Help:      "Outbound calls to the billing provider API.",
		}, []string{"provider", "endpoint", "result"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_call_duration_seconds",
			Help:      "Latency of outbound billing provider API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

func (m *Metrics) RecordWebhook(provider, eventType string, outcome billing.WebhookOutcome, duration time.Duration) {
	m.webhookEvents.WithLabelValues(provider, eventType, string(outcome)).Inc()
	m.webhookDuration.WithLabelValues(provider, string(outcome)).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookRejected(provider string, reason billing.WebhookRejection) {
	m.webhookRejections.WithLabelValues(provider, string(reason)).Inc()
}

func (m *Metrics) RecordEventLag(provider string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	m.eventLag.WithLabelValues(provider).Observe(lag.Seconds())
}

func (m *Metrics) RecordTierChange(provider string, from, to quota.Tier) {
	m.tierChanges.WithLabelValues(provider, from.String(), to.String()).Inc()
}

func (m *Metrics) RecordSync(provider string, tier quota.Tier, err error) {
	if err != nil {
		m.syncs.WithLabelValues(provider, "", "error").Inc()
		return
	}
	m.syncs.WithLabelValues(provider, tier.String(), "ok").Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint string, duration time.Duration, err error) {
	m.apiCalls.WithLabelValues(provider, endpoint, result(err)).Inc()
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
