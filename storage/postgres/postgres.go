// Package postgres provides a PostgreSQL implementation of the quota.Storage interface.
// Usage increments are single upsert statements, so concurrent consumers never lose a count.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL applied by Migrate
func Schema() string {
	return schemaSQL
}

// Storage implements quota.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema on startup
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Now implements quota.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

// GetSubscription implements quota.Storage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*quota.Subscription, error) {
	var (
		sub       quota.Subscription
		tier      string
		expiresAt *time.Time
	)

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, tier, expires_at, updated_at
			FROM user_subscriptions WHERE user_id = $1`,
		userID).Scan(&sub.UserID, &tier, &expiresAt, &sub.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, quota.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.Tier, err = quota.ParseTier(tier)
	if err != nil {
		return nil, fmt.Errorf("stored subscription for %s: %w", userID, err)
	}
	if expiresAt != nil {
		exp := expiresAt.UTC()
		sub.ExpiresAt = &exp
	}
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

// SetSubscription implements quota.Storage
func (s *Storage) SetSubscription(ctx context.Context, sub *quota.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_subscriptions (user_id, tier, expires_at, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				expires_at = EXCLUDED.expires_at,
				updated_at = EXCLUDED.updated_at`,
		sub.UserID, sub.Tier.String(), sub.ExpiresAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// DeleteSubscription implements quota.Storage
func (s *Storage) DeleteSubscription(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM user_subscriptions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// GetGlobalLimits implements quota.Storage
func (s *Storage) GetGlobalLimits(ctx context.Context) (*quota.GlobalLimits, error) {
	var gl quota.GlobalLimits

	err := s.pool.QueryRow(ctx,
		`SELECT free_text_limit, free_image_limit, pro_text_limit, pro_image_limit,
				text_limit_enabled, image_limit_enabled, updated_at
			FROM global_limits WHERE id = 1`).Scan(
		&gl.FreeTextLimit,
		&gl.FreeImageLimit,
		&gl.ProTextLimit,
		&gl.ProImageLimit,
		&gl.TextLimitEnabled,
		&gl.ImageLimitEnabled,
		&gl.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, quota.ErrLimitsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get global limits: %w", err)
	}

	gl.UpdatedAt = gl.UpdatedAt.UTC()
	return &gl, nil
}

// SetGlobalLimits implements quota.Storage
func (s *Storage) SetGlobalLimits(ctx context.Context, gl *quota.GlobalLimits) error {
	if err := gl.Validate(); err != nil {
		return err
	}

	updatedAt := gl.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO global_limits (id, free_text_limit, free_image_limit, pro_text_limit, pro_image_limit,
				text_limit_enabled, image_limit_enabled, updated_at)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				free_text_limit = EXCLUDED.free_text_limit,
				free_image_limit = EXCLUDED.free_image_limit,
				pro_text_limit = EXCLUDED.pro_text_limit,
				pro_image_limit = EXCLUDED.pro_image_limit,
				text_limit_enabled = EXCLUDED.text_limit_enabled,
				image_limit_enabled = EXCLUDED.image_limit_enabled,
				updated_at = EXCLUDED.updated_at`,
		gl.FreeTextLimit, gl.FreeImageLimit, gl.ProTextLimit, gl.ProImageLimit,
		gl.TextLimitEnabled, gl.ImageLimitEnabled, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set global limits: %w", err)
	}
	return nil
}

// GetUsage implements quota.Storage
func (s *Storage) GetUsage(ctx context.Context, userID string, day quota.Day) (*quota.UsageRecord, error) {
	rec := quota.ZeroUsage(userID, day)

	err := s.pool.QueryRow(ctx,
		`SELECT text_generations, image_generations, updated_at
			FROM user_usage
			WHERE user_id = $1 AND usage_date = $2::date`,
		userID, day.String()).Scan(&rec.TextGenerations, &rec.ImageGenerations, &rec.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return rec, nil // No usage yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// IncrementUsage implements quota.Storage. Creating the row and bumping the
// counter happen in one statement; the database serializes concurrent upserts.
func (s *Storage) IncrementUsage(
	ctx context.Context, userID string, day quota.Day, genType quota.GenerationType,
) (*quota.UsageRecord, error) {
	if userID == "" {
		return nil, quota.ErrMissingUserID
	}
	if !day.Valid() {
		return nil, quota.ErrInvalidDay
	}

	var textDelta, imageDelta int
	switch genType {
	case quota.GenerationText:
		textDelta = 1
	case quota.GenerationImage:
		imageDelta = 1
	default:
		return nil, quota.ErrInvalidGenerationType
	}

	rec := quota.ZeroUsage(userID, day)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO user_usage (user_id, usage_date, text_generations, image_generations, updated_at)
			VALUES ($1, $2::date, $3, $4, now())
			ON CONFLICT (user_id, usage_date) DO UPDATE SET
				text_generations = user_usage.text_generations + EXCLUDED.text_generations,
				image_generations = user_usage.image_generations + EXCLUDED.image_generations,
				updated_at = now()
			RETURNING text_generations, image_generations, updated_at`,
		userID, day.String(), textDelta, imageDelta,
	).Scan(&rec.TextGenerations, &rec.ImageGenerations, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}

	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// PruneUsage deletes usage rows older than the given day and returns how many were removed
func (s *Storage) PruneUsage(ctx context.Context, before quota.Day) (int64, error) {
	if !before.Valid() {
		return 0, quota.ErrInvalidDay
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_usage WHERE usage_date < $1::date`, before.String())
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	return tag.RowsAffected(), nil
}
