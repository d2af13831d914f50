package quota

import (
	"fmt"
	"time"
)

const (
	defaultLimitsTTL          = 30 * time.Second
	defaultSubscriptionTTL    = time.Minute
	defaultMaxSubscriptions   = 1000
	defaultFailureThreshold   = 5
	defaultResetTimeout       = 30 * time.Second
	defaultLedgerWriteTimeout = 5 * time.Second
)

// CacheConfig holds cache configuration
type CacheConfig struct {
	// Enabled determines if caching is active
	Enabled bool

	// LimitsTTL is the TTL for the cached global limits row (default: 30 seconds).
	// Admin updates made through another process become visible after at most this long.
	LimitsTTL time.Duration

	// SubscriptionTTL is the TTL for cached subscriptions (default: 1 minute)
	SubscriptionTTL time.Duration

	// MaxSubscriptions is the maximum number of subscriptions to cache (default: 1000)
	MaxSubscriptions int
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds quota engine configuration
type Config struct {
	// Clock supplies the current time (default: SystemClock)
	Clock Clock

	// UseStorageTime makes the engine ask the storage for the time when it
	// implements TimeSource. Falls back to Clock on error.
	UseStorageTime bool

	// CacheConfig configures the limits/subscription cache. Usage is never cached.
	CacheConfig *CacheConfig

	// CircuitBreakerConfig configures the circuit breaker around storage
	CircuitBreakerConfig *CircuitBreakerConfig

	// FailOpenOnUsageError treats unreadable usage as zero instead of returning an error
	FailOpenOnUsageError bool

	// LedgerWriteTimeout bounds a consumption write. The write is detached from
	// the caller's cancellation since the generation already happened (default: 5 seconds).
	LedgerWriteTimeout time.Duration

	// Metrics is used for tracking quota operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.LedgerWriteTimeout < 0 {
		return fmt.Errorf("ledgerWriteTimeout must be >= 0, got %s", c.LedgerWriteTimeout)
	}
	if c.CacheConfig != nil {
		cc := *c.CacheConfig
		if cc.LimitsTTL < 0 {
			return fmt.Errorf("cacheConfig.limitsTTL must be >= 0, got %s", cc.LimitsTTL)
		}
		if cc.SubscriptionTTL < 0 {
			return fmt.Errorf("cacheConfig.subscriptionTTL must be >= 0, got %s", cc.SubscriptionTTL)
		}
		if cc.MaxSubscriptions < 0 {
			return fmt.Errorf("cacheConfig.maxSubscriptions must be >= 0, got %d", cc.MaxSubscriptions)
		}
	}
	if cb := c.CircuitBreakerConfig; cb != nil {
		if cb.FailureThreshold < 0 {
			return fmt.Errorf("circuitBreakerConfig.failureThreshold must be >= 0, got %d", cb.FailureThreshold)
		}
		if cb.ResetTimeout < 0 {
			return fmt.Errorf("circuitBreakerConfig.resetTimeout must be >= 0, got %s", cb.ResetTimeout)
		}
	}
	return nil
}

// applyDefaults fills zero values. The nested configs are copied first so a
// caller's structs are never written to.
func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.LedgerWriteTimeout == 0 {
		c.LedgerWriteTimeout = defaultLedgerWriteTimeout
	}
	if c.CacheConfig != nil {
		cc := *c.CacheConfig
		if cc.LimitsTTL == 0 {
			cc.LimitsTTL = defaultLimitsTTL
		}
		if cc.SubscriptionTTL == 0 {
			cc.SubscriptionTTL = defaultSubscriptionTTL
		}
		if cc.MaxSubscriptions == 0 {
			cc.MaxSubscriptions = defaultMaxSubscriptions
		}
		c.CacheConfig = &cc
	}
	if c.CircuitBreakerConfig != nil {
		cb := *c.CircuitBreakerConfig
		if cb.FailureThreshold == 0 {
			cb.FailureThreshold = defaultFailureThreshold
		}
		if cb.ResetTimeout == 0 {
			cb.ResetTimeout = defaultResetTimeout
		}
		c.CircuitBreakerConfig = &cb
	}
}
