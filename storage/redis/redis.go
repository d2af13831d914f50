// Package redis provides a Redis implementation of the quota.Storage interface.
// Usage counters are hash fields bumped with HINCRBY inside a Lua script, so
// the increment, its expiry and the returned snapshot are one atomic step.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

const (
	fieldText      = "text"
	fieldImage     = "image"
	fieldUpdatedAt = "updated_at"
)

// Storage implements quota.Storage using Redis
type Storage struct {
	client    redis.UniversalClient
	config    Config
	increment *redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "zarahub:")
	KeyPrefix string

	// UsageTTL is how long a day's usage hash is kept after its last write (0 = no expiration)
	UsageTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "zarahub:",
		UsageTTL:  0, // History is kept for the admin usage view
	}
}

// subscriptionDoc is the JSON stored at the subscription key
type subscriptionDoc struct {
	Tier      string     `json:"tier"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// limitsDoc is the JSON stored at the global limits key
type limitsDoc struct {
	FreeTextLimit     *int      `json:"free_text_limit"`
	FreeImageLimit    *int      `json:"free_image_limit"`
	ProTextLimit      *int      `json:"pro_text_limit"`
	ProImageLimit     *int      `json:"pro_image_limit"`
	TextLimitEnabled  bool      `json:"text_limit_enabled"`
	ImageLimitEnabled bool      `json:"image_limit_enabled"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "zarahub:"
	}
	if config.UsageTTL < 0 {
		return nil, fmt.Errorf("usage TTL must be >= 0, got %s", config.UsageTTL)
	}

	return &Storage{
		client:    client,
		config:    config,
		increment: redis.NewScript(incrementScript),
	}, nil
}

// incrementScript bumps one counter and returns both counters.
// KEYS[1] usage hash; ARGV[1] field; ARGV[2] updated_at; ARGV[3] ttl seconds.
const incrementScript = `
	redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
	redis.call('HSETNX', KEYS[1], 'text', 0)
	redis.call('HSETNX', KEYS[1], 'image', 0)
	redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])

	local ttl = tonumber(ARGV[3])
	if ttl > 0 then
		redis.call('EXPIRE', KEYS[1], ttl)
	end

	return redis.call('HMGET', KEYS[1], 'text', 'image')
`

// GetSubscription implements quota.Storage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*quota.Subscription, error) {
	data, err := s.client.Get(ctx, s.subscriptionKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, quota.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var doc subscriptionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	tier, err := quota.ParseTier(doc.Tier)
	if err != nil {
		return nil, fmt.Errorf("stored subscription for %s: %w", userID, err)
	}

	return &quota.Subscription{
		UserID:    userID,
		Tier:      tier,
		ExpiresAt: doc.ExpiresAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// SetSubscription implements quota.Storage
func (s *Storage) SetSubscription(ctx context.Context, sub *quota.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	doc := subscriptionDoc{
		Tier:      sub.Tier.String(),
		ExpiresAt: sub.ExpiresAt,
		UpdatedAt: sub.UpdatedAt,
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	if err := s.client.Set(ctx, s.subscriptionKey(sub.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// DeleteSubscription implements quota.Storage
func (s *Storage) DeleteSubscription(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.subscriptionKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// GetGlobalLimits implements quota.Storage
func (s *Storage) GetGlobalLimits(ctx context.Context) (*quota.GlobalLimits, error) {
	data, err := s.client.Get(ctx, s.limitsKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, quota.ErrLimitsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get global limits: %w", err)
	}

	var doc limitsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal global limits: %w", err)
	}

	return &quota.GlobalLimits{
		FreeTextLimit:     doc.FreeTextLimit,
		FreeImageLimit:    doc.FreeImageLimit,
		ProTextLimit:      doc.ProTextLimit,
		ProImageLimit:     doc.ProImageLimit,
		TextLimitEnabled:  doc.TextLimitEnabled,
		ImageLimitEnabled: doc.ImageLimitEnabled,
		UpdatedAt:         doc.UpdatedAt,
	}, nil
}

// SetGlobalLimits implements quota.Storage
func (s *Storage) SetGlobalLimits(ctx context.Context, gl *quota.GlobalLimits) error {
	if err := gl.Validate(); err != nil {
		return err
	}

	doc := limitsDoc{
		FreeTextLimit:     gl.FreeTextLimit,
		FreeImageLimit:    gl.FreeImageLimit,
		ProTextLimit:      gl.ProTextLimit,
		ProImageLimit:     gl.ProImageLimit,
		TextLimitEnabled:  gl.TextLimitEnabled,
		ImageLimitEnabled: gl.ImageLimitEnabled,
		UpdatedAt:         gl.UpdatedAt,
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal global limits: %w", err)
	}
	if err := s.client.Set(ctx, s.limitsKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set global limits: %w", err)
	}
	return nil
}

// GetUsage implements quota.Storage
func (s *Storage) GetUsage(ctx context.Context, userID string, day quota.Day) (*quota.UsageRecord, error) {
	results, err := s.client.HMGet(ctx, s.usageKey(userID, day), fieldText, fieldImage, fieldUpdatedAt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	rec := quota.ZeroUsage(userID, day)
	if len(results) != 3 {
		return rec, nil // No usage yet
	}
	if rec.TextGenerations, err = parseCounter(results[0]); err != nil {
		return nil, fmt.Errorf("failed to parse text usage: %w", err)
	}
	if rec.ImageGenerations, err = parseCounter(results[1]); err != nil {
		return nil, fmt.Errorf("failed to parse image usage: %w", err)
	}
	if ts, ok := results[2].(string); ok {
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("failed to parse usage timestamp: %w", err)
		}
	}
	return rec, nil
}

// IncrementUsage implements quota.Storage
func (s *Storage) IncrementUsage(
	ctx context.Context, userID string, day quota.Day, genType quota.GenerationType,
) (*quota.UsageRecord, error) {
	if userID == "" {
		return nil, quota.ErrMissingUserID
	}
	if !day.Valid() {
		return nil, quota.ErrInvalidDay
	}

	var field string
	switch genType {
	case quota.GenerationText:
		field = fieldText
	case quota.GenerationImage:
		field = fieldImage
	default:
		return nil, quota.ErrInvalidGenerationType
	}

	now := time.Now().UTC()
	result, err := s.increment.Run(ctx, s.client,
		[]string{s.usageKey(userID, day)},
		field, now.Format(time.RFC3339Nano), int64(s.config.UsageTTL.Seconds()),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected increment result: %v", result)
	}

	rec := quota.ZeroUsage(userID, day)
	rec.UpdatedAt = now
	if rec.TextGenerations, err = parseCounter(result[0]); err != nil {
		return nil, fmt.Errorf("failed to parse text usage: %w", err)
	}
	if rec.ImageGenerations, err = parseCounter(result[1]); err != nil {
		return nil, fmt.Errorf("failed to parse image usage: %w", err)
	}
	return rec, nil
}

// Now implements quota.TimeSource using the Redis server clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read redis time: %w", err)
	}
	return t.UTC(), nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) subscriptionKey(userID string) string {
	return fmt.Sprintf("%ssub:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) limitsKey() string {
	return s.config.KeyPrefix + "global_limits"
}

func (s *Storage) usageKey(userID string, day quota.Day) string {
	return fmt.Sprintf("%susage:%s:%s", s.config.KeyPrefix, userID, day)
}

// parseCounter reads an HMGET/Lua reply value; a missing field is zero
func parseCounter(v interface{}) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.Atoi(n)
	case int64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unexpected counter type %T", v)
	}
}
