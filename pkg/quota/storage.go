package quota

import "context"

// Storage defines the interface for quota persistence.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// GetSubscription retrieves the user's subscription.
	// Returns ErrSubscriptionNotFound if the user has none.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// SetSubscription upserts the user's subscription (one row per user).
	SetSubscription(ctx context.Context, sub *Subscription) error

	// DeleteSubscription removes the user's subscription. Deleting a missing row is not an error.
	DeleteSubscription(ctx context.Context, userID string) error

	// GetGlobalLimits retrieves the singleton limit table.
	// Returns ErrLimitsNotFound if it was never configured.
	GetGlobalLimits(ctx context.Context) (*GlobalLimits, error)

	// SetGlobalLimits upserts the singleton limit table.
	SetGlobalLimits(ctx context.Context, limits *GlobalLimits) error

	// GetUsage retrieves the user's counters for a day.
	// Returns a zero record (never nil) when no row exists.
	GetUsage(ctx context.Context, userID string, day Day) (*UsageRecord, error)

	// IncrementUsage atomically adds one to a single counter, creating the
	// row if absent, and returns the updated record. Implementations must do
	// this in one server-side operation; a client read-then-write loses
	// updates under concurrent calls.
	IncrementUsage(ctx context.Context, userID string, day Day, genType GenerationType) (*UsageRecord, error)
}

// ZeroUsage returns the record that stands for "no row yet"
func ZeroUsage(userID string, day Day) *UsageRecord {
	return &UsageRecord{UserID: userID, Day: day}
}
