package quota

import (
	"sync"
	"time"
)

// Cache defines the interface for caching the global limits row and
// subscriptions to reduce storage load. A cached nil value records that the
// row is absent.
type Cache interface {
	// GetLimits returns the cached limits and true if present and fresh
	GetLimits() (*GlobalLimits, bool)

	// SetLimits stores the limits row (nil for "not configured") with TTL
	SetLimits(limits *GlobalLimits, ttl time.Duration)

	// InvalidateLimits drops the cached limits row
	InvalidateLimits()

	// GetSubscription returns the cached subscription and true if present and fresh
	GetSubscription(userID string) (*Subscription, bool)

	// SetSubscription stores a subscription (nil for "none") with TTL
	SetSubscription(userID string, sub *Subscription, ttl time.Duration)

	// InvalidateSubscription removes a subscription from the cache
	InvalidateSubscription(userID string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	LimitsHits         int64
	LimitsMisses       int64
	SubscriptionHits   int64
	SubscriptionMisses int64
	Evictions          int64
	Size               int
}

// cacheEntry wraps a cached value with expiration time and access time for LRU
type cacheEntry struct {
	value      interface{}
	expiration time.Time
	accessTime time.Time // For LRU eviction
	sequence   int64     // For tiebreaking when access times are equal
}

func (e *cacheEntry) isExpired() bool {
	return time.Now().After(e.expiration)
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) GetLimits() (*GlobalLimits, bool) { return nil, false }

func (c *NoopCache) SetLimits(_ *GlobalLimits, _ time.Duration) {}

func (c *NoopCache) InvalidateLimits() {}

func (c *NoopCache) GetSubscription(_ string) (*Subscription, bool) { return nil, false }

func (c *NoopCache) SetSubscription(_ string, _ *Subscription, _ time.Duration) {}

func (c *NoopCache) InvalidateSubscription(_ string) {}

func (c *NoopCache) Clear() {}

func (c *NoopCache) Stats() CacheStats { return CacheStats{} }

// LRUCache implements Cache in memory. The limits row is a single entry;
// subscriptions are bounded and evicted least recently used first.
type LRUCache struct {
	limits           *cacheEntry
	subscriptions    map[string]*cacheEntry
	maxSubscriptions int
	mu               sync.Mutex
	limitsHits       int64
	limitsMisses     int64
	subHits          int64
	subMisses        int64
	evictions        int64
	sequence         int64
}

// NewLRUCache creates a new LRU cache holding at most maxSubscriptions subscriptions
func NewLRUCache(maxSubscriptions int) *LRUCache {
	if maxSubscriptions <= 0 {
		maxSubscriptions = defaultMaxSubscriptions
	}
	return &LRUCache{
		subscriptions:    make(map[string]*cacheEntry, maxSubscriptions),
		maxSubscriptions: maxSubscriptions,
	}
}

func (c *LRUCache) GetLimits() (*GlobalLimits, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limits == nil || c.limits.isExpired() {
		c.limitsMisses++
		return nil, false
	}
	c.limitsHits++

	gl, _ := c.limits.value.(*GlobalLimits)
	// Return a copy to prevent external modifications
	return gl.Clone(), true
}

func (c *LRUCache) SetLimits(limits *GlobalLimits, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.limits = &cacheEntry{
		value:      limits.Clone(),
		expiration: now.Add(ttl),
		accessTime: now,
	}
}

func (c *LRUCache) InvalidateLimits() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = nil
}

func (c *LRUCache) GetSubscription(userID string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.subscriptions[userID]
	if !exists || entry.isExpired() {
		c.subMisses++
		return nil, false
	}

	// Update access time for LRU
	entry.accessTime = time.Now()
	c.subHits++

	sub, _ := entry.value.(*Subscription)
	return copySubscription(sub), true
}

func (c *LRUCache) SetSubscription(userID string, sub *Subscription, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	_, exists := c.subscriptions[userID]

	// Evict if at capacity and entry doesn't exist
	if len(c.subscriptions) >= c.maxSubscriptions && !exists {
		// Evict least recently used (oldest accessTime, then oldest sequence)
		var oldestKey string
		var oldestTime time.Time
		var oldestSeq int64
		first := true
		for key, entry := range c.subscriptions {
			if first || entry.accessTime.Before(oldestTime) ||
				(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
				oldestKey = key
				oldestTime = entry.accessTime
				oldestSeq = entry.sequence
				first = false
			}
		}
		if !first {
			delete(c.subscriptions, oldestKey)
			c.evictions++
		}
	}

	seq := c.sequence
	c.sequence++
	c.subscriptions[userID] = &cacheEntry{
		value:      copySubscription(sub),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

func (c *LRUCache) InvalidateSubscription(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, userID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = nil
	c.subscriptions = make(map[string]*cacheEntry, c.maxSubscriptions)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := len(c.subscriptions)
	if c.limits != nil {
		size++
	}
	return CacheStats{
		LimitsHits:         c.limitsHits,
		LimitsMisses:       c.limitsMisses,
		SubscriptionHits:   c.subHits,
		SubscriptionMisses: c.subMisses,
		Evictions:          c.evictions,
		Size:               size,
	}
}

func copySubscription(sub *Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	c := *sub
	if sub.ExpiresAt != nil {
		exp := *sub.ExpiresAt
		c.ExpiresAt = &exp
	}
	return &c
}
