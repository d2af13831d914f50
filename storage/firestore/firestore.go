// Package firestore provides a Firestore implementation of the quota.Storage interface.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

const (
	globalLimitsDocID = "global_limits"
	clockDocID        = "clock"
)

// Storage implements quota.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	usageCollection         string
	configCollection        string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for user subscriptions
	// Default: "user_subscriptions"
	SubscriptionsCollection string

	// UsageCollection is the Firestore collection for daily usage.
	// Documents live at {UsageCollection}/{userID}/days/{YYYY-MM-DD}.
	// Default: "user_usage"
	UsageCollection string

	// ConfigCollection holds the global limits singleton document
	// Default: "app_config"
	ConfigCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "user_subscriptions"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "user_usage"
	}
	if config.ConfigCollection == "" {
		config.ConfigCollection = "app_config"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		usageCollection:         config.UsageCollection,
		configCollection:        config.ConfigCollection,
	}, nil
}

// GetSubscription implements quota.Storage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*quota.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, quota.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, quota.ErrSubscriptionNotFound
	}

	data := snap.Data()
	tier, err := quota.ParseTier(getString(data, "tier"))
	if err != nil {
		return nil, fmt.Errorf("stored subscription for %s: %w", userID, err)
	}

	sub := &quota.Subscription{
		UserID:    userID,
		Tier:      tier,
		UpdatedAt: getTime(data, "updatedAt"),
	}
	if expiresAt, ok := data["expiresAt"].(time.Time); ok && !expiresAt.IsZero() {
		exp := expiresAt.UTC()
		sub.ExpiresAt = &exp
	}
	return sub, nil
}

// SetSubscription implements quota.Storage. The document is replaced, so a
// renewal without expiry clears a previous expiresAt.
func (s *Storage) SetSubscription(ctx context.Context, sub *quota.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	data := map[string]interface{}{
		"tier":      sub.Tier.String(),
		"updatedAt": updatedAt,
	}
	if sub.ExpiresAt != nil {
		data["expiresAt"] = *sub.ExpiresAt
	}

	if _, err := s.client.Collection(s.subscriptionsCollection).Doc(sub.UserID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// DeleteSubscription implements quota.Storage
func (s *Storage) DeleteSubscription(ctx context.Context, userID string) error {
	if _, err := s.client.Collection(s.subscriptionsCollection).Doc(userID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// GetGlobalLimits implements quota.Storage
func (s *Storage) GetGlobalLimits(ctx context.Context) (*quota.GlobalLimits, error) {
	snap, err := s.client.Collection(s.configCollection).Doc(globalLimitsDocID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, quota.ErrLimitsNotFound
		}
		return nil, fmt.Errorf("failed to get global limits: %w", err)
	}
	if !snap.Exists() {
		return nil, quota.ErrLimitsNotFound
	}

	data := snap.Data()
	return &quota.GlobalLimits{
		FreeTextLimit:     getIntPtr(data, "freeTextLimit"),
		FreeImageLimit:    getIntPtr(data, "freeImageLimit"),
		ProTextLimit:      getIntPtr(data, "proTextLimit"),
		ProImageLimit:     getIntPtr(data, "proImageLimit"),
		TextLimitEnabled:  getBool(data, "textLimitEnabled"),
		ImageLimitEnabled: getBool(data, "imageLimitEnabled"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}, nil
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

	data := map[string]interface{}{
		"freeTextLimit":     intOrNil(gl.FreeTextLimit),
		"freeImageLimit":    intOrNil(gl.FreeImageLimit),
		"proTextLimit":      intOrNil(gl.ProTextLimit),
		"proImageLimit":     intOrNil(gl.ProImageLimit),
		"textLimitEnabled":  gl.TextLimitEnabled,
		"imageLimitEnabled": gl.ImageLimitEnabled,
		"updatedAt":         updatedAt,
	}

	if _, err := s.client.Collection(s.configCollection).Doc(globalLimitsDocID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to set global limits: %w", err)
	}
	return nil
}

// GetUsage implements quota.Storage
func (s *Storage) GetUsage(ctx context.Context, userID string, day quota.Day) (*quota.UsageRecord, error) {
	snap, err := s.usageDoc(userID, day).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return quota.ZeroUsage(userID, day), nil // No usage yet
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	if !snap.Exists() {
		return quota.ZeroUsage(userID, day), nil
	}
	return usageFromData(userID, day, snap.Data()), nil
}

// IncrementUsage implements quota.Storage. The counter is bumped with a
// server-side increment inside a transaction so the returned snapshot is exact.
func (s *Storage) IncrementUsage(
	ctx context.Context, userID string, day quota.Day, genType quota.GenerationType,
) (*quota.UsageRecord, error) {
	if userID == "" {
		return nil, quota.ErrMissingUserID
	}
	if !day.Valid() {
		return nil, quota.ErrInvalidDay
	}
	field, err := counterField(genType)
	if err != nil {
		return nil, err
	}

	doc := s.usageDoc(userID, day)
	var rec *quota.UsageRecord

	err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		rec = quota.ZeroUsage(userID, day)
		if snap != nil && snap.Exists() {
			rec = usageFromData(userID, day, snap.Data())
		}
		switch genType {
		case quota.GenerationText:
			rec.TextGenerations++
		case quota.GenerationImage:
			rec.ImageGenerations++
		}
		rec.UpdatedAt = time.Now().UTC()

		return tx.Set(doc, map[string]interface{}{
			"userId":    userID,
			"day":       day.String(),
			field:       firestore.Increment(1),
			"updatedAt": rec.UpdatedAt,
		}, firestore.MergeAll)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}
	return rec, nil
}

// Now implements quota.TimeSource using the commit time of a server-timestamped write
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	wr, err := s.client.Collection(s.configCollection).Doc(clockDocID).Set(ctx, map[string]interface{}{
		"checkedAt": firestore.ServerTimestamp,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read firestore time: %w", err)
	}
	return wr.UpdateTime.UTC(), nil
}

// usageDoc returns the Firestore document reference for one user's day
func (s *Storage) usageDoc(userID string, day quota.Day) *firestore.DocumentRef {
	return s.client.Collection(s.usageCollection).
		Doc(userID).
		Collection("days").
		Doc(day.String())
}

func counterField(genType quota.GenerationType) (string, error) {
	switch genType {
	case quota.GenerationText:
		return "textGenerations", nil
	case quota.GenerationImage:
		return "imageGenerations", nil
	default:
		return "", quota.ErrInvalidGenerationType
	}
}

func usageFromData(userID string, day quota.Day, data map[string]interface{}) *quota.UsageRecord {
	rec := quota.ZeroUsage(userID, day)
	rec.TextGenerations = getInt(data, "textGenerations")
	rec.ImageGenerations = getInt(data, "imageGenerations")
	rec.UpdatedAt = getTime(data, "updatedAt")
	return rec
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

// getIntPtr returns nil for a missing or null field
func getIntPtr(data map[string]interface{}, key string) *int {
	switch data[key].(type) {
	case int, int64, float64:
		v := getInt(data, key)
		return &v
	default:
		return nil
	}
}

func intOrNil(v *int) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
