// Package billing keeps stored subscriptions in step with a payment provider.
package billing

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

// Subscriptions is the part of the quota engine a billing provider writes to.
// *quota.Engine implements it.
type Subscriptions interface {
	Subscription(ctx context.Context, userID string) (*quota.Subscription, error)
	ApplySubscription(ctx context.Context, sub *quota.Subscription) error
	RevokeSubscription(ctx context.Context, userID string) error
}

// Provider is the generic interface that any billing backend must implement
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events
	WebhookHandler() http.Handler

	// SyncUser re-reads the user's state from the provider and stores it.
	// Used for "restore purchases" and reconciliation jobs.
	SyncUser(ctx context.Context, userID string) (quota.Tier, error)
}

// Event describes a subscription change that was stored
type Event struct {
	UserID         string
	PreviousTier   quota.Tier
	NewTier        quota.Tier
	Provider       string
	EventType      string
	EventTimestamp time.Time
	ExpiresAt      *time.Time
}

// Config defines the standard configuration all providers accept
type Config struct {
	// Subscriptions receives subscription upserts and removals (required)
	Subscriptions Subscriptions

	// TierMapping maps provider price or product IDs to pro or unlimited.
	// Unmapped prices grant nothing.
	TierMapping map[string]quota.Tier

	// WebhookSecret verifies incoming webhook requests
	WebhookSecret string

	// APIKey is used for outbound API calls (SyncUser, metadata lookups)
	APIKey string

	// HTTPClient is an optional HTTP client for API calls
	HTTPClient *http.Client

	// Metrics is optional
	Metrics Metrics

	// Logger is optional
	Logger quota.Logger

	// OnUpdate is called after a subscription change was stored
	OnUpdate func(ctx context.Context, event Event)

	// WebhookRateLimit caps webhook requests per client IP per minute (default: 100)
	WebhookRateLimit int
}

// NormalizeTierMapping lower-cases keys and rejects tiers that cannot be sold
func NormalizeTierMapping(in map[string]quota.Tier) (map[string]quota.Tier, error) {
	out := make(map[string]quota.Tier, len(in))
	for id, tier := range in {
		if tier != quota.TierPro && tier != quota.TierUnlimited {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTierMapping, id, tier)
		}
		out[strings.ToLower(strings.TrimSpace(id))] = tier
	}
	return out, nil
}

// ParseTierMapping parses "price_a:pro,price_b:unlimited"
func ParseTierMapping(s string) (map[string]quota.Tier, error) {
	out := make(map[string]quota.Tier)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, name, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTierMapping, pair)
		}
		tier, err := quota.ParseTier(name)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSpace(id)] = tier
	}
	return NormalizeTierMapping(out)
}
