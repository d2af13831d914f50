package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/zarahub/pkg/billing"
	"github.com/mihaimyh/zarahub/pkg/quota"
)

// syncUserFromAPI stores the best tier across the customer's live subscriptions
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (quota.Tier, error) {
	if userID == "" {
		return quota.TierFree, quota.ErrMissingUserID
	}
	if p.stripeClient == nil {
		err := fmt.Errorf("%w: stripe API key not configured", billing.ErrProviderNotConfigured)
		p.metrics.RecordSync(providerName, quota.TierFree, err)
		return quota.TierFree, err
	}

	customerID := ""
	if p.customerIDResolver != nil {
		id, err := p.customerIDResolver(ctx, userID)
		if err != nil {
			p.logger.Warn("customer id resolver failed, falling back to search",
				quota.UserField(userID),
				quota.ErrorField(err),
			)
		}
		customerID = id
	}

	if customerID == "" {
		id, err := p.searchCustomerByMetadata(ctx, userID)
		switch {
		case errors.Is(err, billing.ErrUserNotFound):
			// Unknown to Stripe: nothing paid for
			return p.syncTier(ctx, userID, quota.TierFree, nil)
		case err != nil:
			p.metrics.RecordSync(providerName, quota.TierFree, err)
			return quota.TierFree, err
		}
		customerID = id
	}

	subs, err := p.listLiveSubscriptions(ctx, customerID)
	if err != nil {
		p.metrics.RecordSync(providerName, quota.TierFree, err)
		return quota.TierFree, err
	}

	best := quota.TierFree
	var expiresAt *time.Time
	for _, sub := range subs {
		tier, exp := p.tierFromSubscription(sub)
		if tier.Rank() > best.Rank() || (tier == best && laterThan(exp, expiresAt)) {
			best, expiresAt = tier, exp
		}
	}

	return p.syncTier(ctx, userID, best, expiresAt)
}

// syncTier stores a reconciled tier. Syncs read current provider state, so they
// are stamped with the current time and always win over older webhooks.
func (p *Provider) syncTier(ctx context.Context, userID string, tier quota.Tier, expiresAt *time.Time) (quota.Tier, error) {
	err := p.storeTier(ctx, userID, tier, expiresAt, p.now(), "sync")
	if err != nil && !errors.Is(err, errStaleEvent) {
		err = fmt.Errorf("failed to store synced tier: %w", err)
		p.metrics.RecordSync(providerName, tier, err)
		return tier, err
	}
	p.metrics.RecordSync(providerName, tier, nil)
	return tier, nil
}

// searchCustomerByMetadata finds a customer by metadata using the Search API
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	start := time.Now()
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", userIDMetadataKey, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/customers/search", time.Since(start), err)
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Search can return partial matches
		if cust.Metadata[userIDMetadataKey] == userID {
			p.metrics.RecordAPICall(providerName, "/customers/search", time.Since(start), nil)
			return cust.ID, nil
		}
	}

	p.metrics.RecordAPICall(providerName, "/customers/search", time.Since(start), nil)
	return "", billing.ErrUserNotFound
}

// listLiveSubscriptions returns the customer's active and trialing subscriptions
func (p *Provider) listLiveSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	start := time.Now()
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var out []*stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", time.Since(start), err)
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if isActive(sub.Status) {
			out = append(out, sub)
		}
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", time.Since(start), nil)
	return out, nil
}

// laterThan reports whether a lapses after b. Nil means never.
func laterThan(a, b *time.Time) bool {
	if a == nil {
		return b != nil
	}
	return b != nil && a.After(*b)
}
