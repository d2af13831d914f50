// Package memory provides an in-memory implementation of the quota.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

// Storage implements quota.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*quota.Subscription
	limits        *quota.GlobalLimits
	usage         map[string]*quota.UsageRecord
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*quota.Subscription),
		usage:         make(map[string]*quota.UsageRecord),
	}
}

// GetSubscription implements quota.Storage
func (s *Storage) GetSubscription(_ context.Context, userID string) (*quota.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, quota.ErrSubscriptionNotFound
	}

	// Return a copy to prevent external mutations
	subCopy := *sub
	if sub.ExpiresAt != nil {
		exp := *sub.ExpiresAt
		subCopy.ExpiresAt = &exp
	}
	return &subCopy, nil
}

// SetSubscription implements quota.Storage
func (s *Storage) SetSubscription(_ context.Context, sub *quota.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("%w: user id is required", quota.ErrInvalidSubscription)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutations
	subCopy := *sub
	if sub.ExpiresAt != nil {
		exp := *sub.ExpiresAt
		subCopy.ExpiresAt = &exp
	}
	if subCopy.UpdatedAt.IsZero() {
		subCopy.UpdatedAt = time.Now().UTC()
	}
	s.subscriptions[sub.UserID] = &subCopy
	return nil
}

// DeleteSubscription implements quota.Storage
func (s *Storage) DeleteSubscription(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, userID)
	return nil
}

// GetGlobalLimits implements quota.Storage
func (s *Storage) GetGlobalLimits(_ context.Context) (*quota.GlobalLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.limits == nil {
		return nil, quota.ErrLimitsNotFound
	}
	return s.limits.Clone(), nil
}

// SetGlobalLimits implements quota.Storage
func (s *Storage) SetGlobalLimits(_ context.Context, limits *quota.GlobalLimits) error {
	if limits == nil {
		return quota.ErrInvalidLimits
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.limits = limits.Clone()
	if s.limits.UpdatedAt.IsZero() {
		s.limits.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// GetUsage implements quota.Storage
func (s *Storage) GetUsage(_ context.Context, userID string, day quota.Day) (*quota.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.usage[usageKey(userID, day)]
	if !ok {
		return quota.ZeroUsage(userID, day), nil // No usage yet is not an error
	}

	// Return a copy
	recCopy := *rec
	return &recCopy, nil
}

// IncrementUsage implements quota.Storage. The increment happens under the
// write lock, so concurrent callers never lose an update.
func (s *Storage) IncrementUsage(
	_ context.Context, userID string, day quota.Day, genType quota.GenerationType,
) (*quota.UsageRecord, error) {
	if userID == "" {
		return nil, quota.ErrMissingUserID
	}
	if !genType.Valid() {
		return nil, quota.ErrInvalidGenerationType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(userID, day)
	rec, ok := s.usage[key]
	if !ok {
		rec = quota.ZeroUsage(userID, day)
		s.usage[key] = rec
	}

	switch genType {
	case quota.GenerationText:
		rec.TextGenerations++
	case quota.GenerationImage:
		rec.ImageGenerations++
	}
	rec.UpdatedAt = time.Now().UTC()

	recCopy := *rec
	return &recCopy, nil
}

// usageKey generates a unique key for usage tracking
func usageKey(userID string, day quota.Day) string {
	return fmt.Sprintf("%s:%s", userID, day)
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions = make(map[string]*quota.Subscription)
	s.limits = nil
	s.usage = make(map[string]*quota.UsageRecord)
}
