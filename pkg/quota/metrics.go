package quota

import "time"

// Metrics defines the interface for tracking quota operations and performance.
type Metrics interface {
	// RecordCheck records a quota check and its outcome.
	RecordCheck(genType, tier string, allowed bool, duration time.Duration)

	// RecordConsumption records a consumption; recorded is false when the ledger write was dropped.
	RecordConsumption(genType, tier string, recorded bool)

	// RecordFallback records a degraded lookup (e.g. "tier_lookup", "limits_lookup").
	RecordFallback(reason string)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "limits", "subscription").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCheck(genType, tier string, allowed bool, duration time.Duration)     {}
func (n *NoopMetrics) RecordConsumption(genType, tier string, recorded bool)                      {}
func (n *NoopMetrics) RecordFallback(reason string)                                               {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
