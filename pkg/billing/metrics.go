package billing

import (
	"time"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

// WebhookOutcome is what happened to a verified webhook event
type WebhookOutcome string

const (
	// WebhookProcessed means the event was applied to the subscription store
	WebhookProcessed WebhookOutcome = "processed"

	// WebhookStale means the stored subscription is newer than the event
	WebhookStale WebhookOutcome = "stale"

	// WebhookIgnored means the event type does not affect tiers
	WebhookIgnored WebhookOutcome = "ignored"

	// WebhookFailed means processing failed and the provider will retry
	WebhookFailed WebhookOutcome = "failed"
)

// WebhookRejection is why a webhook was refused before it was processed
type WebhookRejection string

const (
	RejectPayloadTooLarge WebhookRejection = "payload_too_large"
	RejectInvalidPayload  WebhookRejection = "invalid_payload"
	RejectBadSignature    WebhookRejection = "bad_signature"
)

// Metrics tracks billing provider operations
type Metrics interface {
	// RecordWebhook records a verified event, its outcome and processing time
	RecordWebhook(provider, eventType string, outcome WebhookOutcome, duration time.Duration)

	// RecordWebhookRejected records a request refused before processing
	RecordWebhookRejected(provider string, reason WebhookRejection)

	// RecordEventLag records how old an event was when it was processed
	RecordEventLag(provider string, lag time.Duration)

	// RecordTierChange records a stored tier moving from one value to another
	RecordTierChange(provider string, from, to quota.Tier)

	// RecordSync records a reconciliation against the provider API. tier is
	// the reconciled tier and is ignored when err is non-nil.
	RecordSync(provider string, tier quota.Tier, err error)

	// RecordAPICall records an outbound provider API call
	RecordAPICall(provider, endpoint string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhook(_, _ string, _ WebhookOutcome, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookRejected(_ string, _ WebhookRejection)           {}
func (n *NoopMetrics) RecordEventLag(_ string, _ time.Duration)                     {}
func (n *NoopMetrics) RecordTierChange(_ string, _, _ quota.Tier)                   {}
func (n *NoopMetrics) RecordSync(_ string, _ quota.Tier, _ error)                   {}
func (n *NoopMetrics) RecordAPICall(_, _ string, _ time.Duration, _ error)          {}
