package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/zarahub/pkg/billing"
	"github.com/mihaimyh/zarahub/pkg/quota"
)

func counter(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var total uint64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetHistogram().GetSampleCount()
		}
	}
	return total
}

func TestMetrics_RecordWebhook(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "zarahub")

	m.RecordWebhook("stripe", "customer.subscription.updated", billing.WebhookProcessed, time.Millisecond)
	m.RecordWebhook("stripe", "customer.subscription.updated", billing.WebhookProcessed, time.Millisecond)
	m.RecordWebhook("stripe", "customer.subscription.updated", billing.WebhookStale, time.Millisecond)
	m.RecordWebhookRejected("stripe", billing.RejectBadSignature)

	if got := counter(t, m.webhookEvents.WithLabelValues("stripe", "customer.subscription.updated", "processed")); got != 2 {
		t.Errorf("Expected 2 processed events, got %v", got)
	}
	if got := counter(t, m.webhookEvents.WithLabelValues("stripe", "customer.subscription.updated", "stale")); got != 1 {
		t.Errorf("Expected 1 stale event, got %v", got)
	}
	if got := counter(t, m.webhookRejections.WithLabelValues("stripe", "bad_signature")); got != 1 {
		t.Errorf("Expected 1 rejection, got %v", got)
	}
	if got := histogramCount(t, reg, "zarahub_billing_webhook_processing_duration_seconds"); got != 3 {
		t.Errorf("Expected 3 duration samples, got %d", got)
	}
}

func TestMetrics_EventLag(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "zarahub")

	m.RecordEventLag("stripe", 2*time.Hour)
	// clock skew can make an event look like it comes from the future
	m.RecordEventLag("stripe", -time.Second)

	if got := histogramCount(t, reg, "zarahub_billing_webhook_event_lag_seconds"); got != 2 {
		t.Errorf("Expected 2 lag samples, got %d", got)
	}
}

func TestMetrics_TierChangeAndSync(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "zarahub")

	m.RecordTierChange("stripe", quota.TierFree, quota.TierPro)
	m.RecordSync("stripe", quota.TierUnlimited, nil)
	m.RecordSync("stripe", quota.TierPro, errors.New("stripe down"))

	if got := counter(t, m.tierChanges.WithLabelValues("stripe", "free", "pro")); got != 1 {
		t.Errorf("Expected 1 tier change, got %v", got)
	}
	if got := counter(t, m.syncs.WithLabelValues("stripe", "unlimited", "ok")); got != 1 {
		t.Errorf("Expected 1 unlimited sync, got %v", got)
	}
	if got := counter(t, m.syncs.WithLabelValues("stripe", "", "error")); got != 1 {
		t.Errorf("Expected failed sync without a tier label, got %v", got)
	}
}

func TestMetrics_RecordAPICall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "zarahub")

	m.RecordAPICall("stripe", "/subscriptions/list", 20*time.Millisecond, nil)
	m.RecordAPICall("stripe", "/subscriptions/list", 20*time.Millisecond, errors.New("timeout"))

	if got := counter(t, m.apiCalls.WithLabelValues("stripe", "/subscriptions/list", "error")); got != 1 {
		t.Errorf("Expected 1 failed call, got %v", got)
	}
	if got := histogramCount(t, reg, "zarahub_billing_api_call_duration_seconds"); got != 2 {
		t.Errorf("Expected 2 latency samples, got %d", got)
	}
}
