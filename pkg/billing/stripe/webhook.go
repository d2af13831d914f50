package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/zarahub/pkg/billing"
	"github.com/mihaimyh/zarahub/pkg/billing/internal"
	"github.com/mihaimyh/zarahub/pkg/quota"
)

const (
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventCheckoutCompleted   = "checkout.session.completed"
)

// handledEvents are the event types that can change a user's tier
var handledEvents = map[stripe.EventType]bool{
	eventSubscriptionCreated: true,
	eventSubscriptionUpdated: true,
	eventSubscriptionDeleted: true,
	eventCheckoutCompleted:   true,
}

// errStaleEvent marks an event older than the stored subscription
var errStaleEvent = errors.New("stale event")

// handleWebhook verifies and processes an incoming Stripe webhook
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookRejected(providerName, billing.RejectPayloadTooLarge)
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookRejected(providerName, billing.RejectInvalidPayload)
		}
		return
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), p.webhookSecret)
	if err != nil {
		p.logger.Warn("stripe webhook signature rejected", quota.ErrorField(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookRejected(providerName, billing.RejectBadSignature)
		return
	}

	eventType := string(event.Type)
	if !handledEvents[event.Type] {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		p.metrics.RecordWebhook(providerName, eventType, billing.WebhookIgnored, time.Since(startTime))
		return
	}
	p.metrics.RecordEventLag(providerName, p.now().Sub(time.Unix(event.Created, 0)))

	outcome := billing.WebhookProcessed
	err = p.processWebhookEvent(r.Context(), &event)
	switch {
	case errors.Is(err, errStaleEvent):
		outcome = billing.WebhookStale
	case err != nil:
		p.logger.Error("stripe webhook processing failed",
			quota.Field{Key: "event_id", Value: event.ID},
			quota.Field{Key: "event_type", Value: eventType},
			quota.ErrorField(err),
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhook(providerName, eventType, billing.WebhookFailed, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))

	p.metrics.RecordWebhook(providerName, eventType, outcome, time.Since(startTime))
}

// processWebhookEvent applies one verified event. Unknown event types are ignored.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	eventTimestamp := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case eventSubscriptionCreated, eventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
		userID, err := p.userIDFromSubscription(ctx, &sub)
		if err != nil {
			return err
		}
		tier, expiresAt := p.tierFromSubscription(&sub)
		return p.storeTier(ctx, userID, tier, expiresAt, eventTimestamp, string(event.Type))

	case eventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
		userID, err := p.userIDFromSubscription(ctx, &sub)
		if err != nil {
			return err
		}
		return p.storeTier(ctx, userID, quota.TierFree, nil, eventTimestamp, string(event.Type))

	case eventCheckoutCompleted:
		return p.handleCheckoutSessionCompleted(ctx, event, eventTimestamp)

	default:
		return nil
	}
}

// handleCheckoutSessionCompleted stores the tier right after checkout so the
// user does not wait for the subscription webhook.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID := session.Metadata[userIDMetadataKey]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		return fmt.Errorf("%w: metadata.user_id missing on checkout session %s", billing.ErrUserNotFound, session.ID)
	}
	// Non-subscription checkouts and unconfigured API access wait for the subscription events
	if session.Subscription == nil || session.Subscription.ID == "" || p.stripeClient == nil {
		return nil
	}

	start := time.Now()
	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, session.Subscription.ID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", time.Since(start), err)
		return fmt.Errorf("failed to fetch subscription: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", time.Since(start), nil)

	tier, expiresAt := p.tierFromSubscription(sub)
	return p.storeTier(ctx, userID, tier, expiresAt, eventTimestamp, string(event.Type))
}

// storeTier writes the outcome of an event unless a newer event already has.
// A free tier removes the stored subscription.
func (p *Provider) storeTier(
	ctx context.Context, userID string, tier quota.Tier, expiresAt *time.Time, eventTimestamp time.Time, eventType string,
) error {
	existing, err := p.subs.Subscription(ctx, userID)
	if err != nil && !errors.Is(err, quota.ErrSubscriptionNotFound) {
		return err
	}

	// Timestamp-based idempotency: only newer events change the stored state
	if existing != nil && !eventTimestamp.After(existing.UpdatedAt) {
		p.logger.Debug("skipping stale stripe event",
			quota.UserField(userID),
			quota.Field{Key: "event_type", Value: eventType},
		)
		return errStaleEvent
	}

	previousTier := quota.TierFree
	if existing != nil {
		previousTier = existing.Tier
	}

	if tier == quota.TierFree {
		err = p.subs.RevokeSubscription(ctx, userID)
	} else {
		err = p.subs.ApplySubscription(ctx, &quota.Subscription{
			UserID:    userID,
			Tier:      tier,
			ExpiresAt: expiresAt,
			UpdatedAt: eventTimestamp,
		})
	}
	if err != nil {
		return err
	}

	if previousTier != tier {
		p.metrics.RecordTierChange(providerName, previousTier, tier)
	}
	p.logger.Info("subscription synced from stripe",
		quota.UserField(userID),
		quota.Field{Key: "event_type", Value: eventType},
		quota.Field{Key: "previous_tier", Value: previousTier.String()},
		quota.TierField(tier),
	)
	if p.onUpdate != nil {
		p.onUpdate(ctx, billing.Event{
			UserID:         userID,
			PreviousTier:   previousTier,
			NewTier:        tier,
			Provider:       providerName,
			EventType:      eventType,
			EventTimestamp: eventTimestamp,
			ExpiresAt:      expiresAt,
		})
	}
	return nil
}

// userIDFromSubscription reads user_id from subscription metadata, then from
// the customer's metadata when the API is configured.
func (p *Provider) userIDFromSubscription(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if userID := sub.Metadata[userIDMetadataKey]; userID != "" {
		return userID, nil
	}

	if sub.Customer != nil {
		if userID := sub.Customer.Metadata[userIDMetadataKey]; userID != "" {
			return userID, nil
		}
		if p.stripeClient != nil && sub.Customer.ID != "" {
			start := time.Now()
			cust, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
			if err != nil {
				p.metrics.RecordAPICall(providerName, "/customers/retrieve", time.Since(start), err)
				return "", fmt.Errorf("failed to fetch customer: %w", err)
			}
			p.metrics.RecordAPICall(providerName, "/customers/retrieve", time.Since(start), nil)
			if userID := cust.Metadata[userIDMetadataKey]; userID != "" {
				return userID, nil
			}
		}
	}

	return "", fmt.Errorf("%w: metadata.user_id missing on subscription %s", billing.ErrUserNotFound, sub.ID)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
