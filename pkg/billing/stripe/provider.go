// Package stripe syncs user subscriptions from Stripe webhooks and the Stripe API.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/zarahub/pkg/billing"
	"github.com/mihaimyh/zarahub/pkg/billing/internal"
	"github.com/mihaimyh/zarahub/pkg/quota"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
	userIDMetadataKey        = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// CustomerIDResolver maps a user to a Stripe customer for SyncUser.
	// If nil, SyncUser falls back to the Customer Search API.
	CustomerIDResolver func(ctx context.Context, userID string) (string, error)
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	subs               billing.Subscriptions
	tierMapping        map[string]quota.Tier // lower-cased price/product ID -> tier
	webhookSecret      string
	stripeClient       *stripe.Client
	rateLimiter        *internal.RateLimiter
	customerIDResolver func(context.Context, string) (string, error)
	metrics            billing.Metrics
	logger             quota.Logger
	onUpdate           func(context.Context, billing.Event)
	now                func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Subscriptions == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", billing.ErrProviderNotConfigured)
	}

	mapping, err := billing.NormalizeTierMapping(config.TierMapping)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		subs:               config.Subscriptions,
		tierMapping:        mapping,
		webhookSecret:      secret,
		customerIDResolver: config.CustomerIDResolver,
		metrics:            config.Metrics,
		logger:             config.Logger,
		onUpdate:           config.OnUpdate,
		now:                func() time.Time { return time.Now().UTC() },
	}
	if p.metrics == nil {
		p.metrics = &billing.NoopMetrics{}
	}
	if p.logger == nil {
		p.logger = &quota.NoopLogger{}
	}

	limit := config.WebhookRateLimit
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	p.rateLimiter = internal.NewRateLimiter(limit, defaultRateLimitWindow)

	// The API client is only needed for SyncUser and metadata lookups
	if apiKey := strings.TrimSpace(config.APIKey); apiKey != "" {
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		p.stripeClient = stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			HTTPClient: httpClient,
		})))
	}

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SyncUser re-reads the user's active Stripe subscriptions and stores the result
func (p *Provider) SyncUser(ctx context.Context, userID string) (quota.Tier, error) {
	return p.syncUserFromAPI(ctx, userID)
}

// MapPriceToTier maps a Stripe Price or Product ID to a paid tier
func (p *Provider) MapPriceToTier(id string) (quota.Tier, bool) {
	tier, ok := p.tierMapping[strings.ToLower(strings.TrimSpace(id))]
	return tier, ok
}

// tierFromSubscription returns the best tier an active subscription grants and
// when it lapses. Inactive or unmapped subscriptions grant free.
func (p *Provider) tierFromSubscription(sub *stripe.Subscription) (quota.Tier, *time.Time) {
	if !isActive(sub.Status) || sub.Items == nil {
		return quota.TierFree, nil
	}

	best := quota.TierFree
	var periodEnd int64
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		tier, ok := p.MapPriceToTier(item.Price.ID)
		if !ok && item.Price.Product != nil {
			tier, ok = p.MapPriceToTier(item.Price.Product.ID)
		}
		if !ok || tier.Rank() < best.Rank() {
			continue
		}
		if tier.Rank() > best.Rank() || item.CurrentPeriodEnd > periodEnd {
			best = tier
			periodEnd = item.CurrentPeriodEnd
		}
	}

	if best == quota.TierFree || periodEnd == 0 {
		return best, nil
	}
	expiresAt := time.Unix(periodEnd, 0).UTC()
	return best, &expiresAt
}

func isActive(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}
