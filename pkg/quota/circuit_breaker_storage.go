package quota

import "context"

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.GetSubscription(ctx, userID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) SetSubscription(ctx context.Context, sub *Subscription) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetSubscription(ctx, sub)
	})
}

func (s *CircuitBreakerStorage) DeleteSubscription(ctx context.Context, userID string) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.DeleteSubscription(ctx, userID)
	})
}

func (s *CircuitBreakerStorage) GetGlobalLimits(ctx context.Context) (*GlobalLimits, error) {
	var gl *GlobalLimits
	err := s.cb.Execute(ctx, func() error {
		var e error
		gl, e = s.storage.GetGlobalLimits(ctx)
		return e
	})
	return gl, err
}

func (s *CircuitBreakerStorage) SetGlobalLimits(ctx context.Context, limits *GlobalLimits) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetGlobalLimits(ctx, limits)
	})
}

func (s *CircuitBreakerStorage) GetUsage(ctx context.Context, userID string, day Day) (*UsageRecord, error) {
	var rec *UsageRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.storage.GetUsage(ctx, userID, day)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) IncrementUsage(
	ctx context.Context, userID string, day Day, genType GenerationType,
) (*UsageRecord, error) {
	var rec *UsageRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.storage.IncrementUsage(ctx, userID, day, genType)
		return e
	})
	return rec, err
}
