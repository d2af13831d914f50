package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const limitsFlightKey = "global_limits"

// Engine decides whether a user may generate now and records that they did.
//
// Global limits are read through the engine's cache on every check, never
// held as ambient state, so an admin update is picked up within the cache TTL.
type Engine struct {
	storage    Storage
	timeSource TimeSource
	config     Config
	cache      Cache
	flight     singleflight.Group
}

// NewEngine creates a new quota engine with the given storage and configuration
func NewEngine(storage Storage, config Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.applyDefaults()

	e := &Engine{config: config}

	if ts, ok := storage.(TimeSource); ok && config.UseStorageTime {
		e.timeSource = ts
	}

	if cb := config.CircuitBreakerConfig; cb != nil && cb.Enabled {
		breaker := NewDefaultCircuitBreaker(cb.FailureThreshold, cb.ResetTimeout, func(state CircuitBreakerState) {
			config.Metrics.RecordCircuitBreakerStateChange(string(state))
			config.Logger.Warn("storage circuit breaker state changed", Field{"state", string(state)})
		})
		storage = NewCircuitBreakerStorage(storage, breaker)
	}
	e.storage = storage

	if cc := config.CacheConfig; cc != nil && cc.Enabled {
		e.cache = NewLRUCache(cc.MaxSubscriptions)
	} else {
		e.cache = NewNoopCache()
	}

	return e, nil
}

// Status returns the caller's tier, today's usage, limits and remaining counts
func (e *Engine) Status(ctx context.Context, id Identity) (*Status, error) {
	if id.UserID == "" {
		return nil, ErrMissingUserID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := e.now(ctx)
	day := DayOf(now)
	tier, limits := e.resolve(ctx, id, now)

	usage, err := e.usage(ctx, id.UserID, day)
	if err != nil {
		return nil, err
	}

	return &Status{
		UserID:         id.UserID,
		Tier:           tier,
		Day:            day,
		Usage:          *usage,
		Limits:         limits,
		TextRemaining:  remaining(limits.Text, usage.TextGenerations),
		ImageRemaining: remaining(limits.Image, usage.ImageGenerations),
	}, nil
}

// Check decides whether one generation of genType may proceed. It has no side effects.
// Used is only read from the ledger when the type is capped for the caller's tier.
func (e *Engine) Check(ctx context.Context, id Identity, genType GenerationType) (*Decision, error) {
	if !genType.Valid() {
		return nil, ErrInvalidGenerationType
	}
	if id.UserID == "" {
		return nil, ErrMissingUserID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	now := e.now(ctx)
	day := DayOf(now)
	tier, limits := e.resolve(ctx, id, now)
	limit := limits.For(genType)

	d := &Decision{
		Allowed: true,
		Type:    genType,
		Tier:    tier,
		Day:     day,
		Limit:   limit,
	}

	if limit != nil {
		usage, err := e.usage(ctx, id.UserID, day)
		if err != nil {
			return nil, err
		}
		d.Used = usage.Count(genType)
		d.Remaining = remaining(limit, d.Used)
		d.Allowed = d.Used < *limit
	}

	e.config.Metrics.RecordCheck(genType.String(), tier.String(), d.Allowed, time.Since(start))
	if !d.Allowed {
		e.config.Logger.Info("generation denied: daily limit reached",
			UserField(id.UserID),
			TypeField(genType),
			TierField(tier),
			Field{"used", d.Used},
			Field{"limit", *limit},
		)
	}
	return d, nil
}

// CanGenerate reports whether one generation of genType may proceed
func (e *Engine) CanGenerate(ctx context.Context, id Identity, genType GenerationType) (bool, error) {
	d, err := e.Check(ctx, id, genType)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Consume records one successful generation of genType.
//
// Call it only after the third-party call succeeded; a denied, failed or
// aborted attempt must not consume. A ledger write failure is logged and
// reported as Recorded=false with a nil error: the generation stays visible
// to the user and the unit is lost (under-counting is accepted).
func (e *Engine) Consume(ctx context.Context, id Identity, genType GenerationType) (*ConsumeResult, error) {
	if !genType.Valid() {
		return nil, ErrInvalidGenerationType
	}
	if id.UserID == "" {
		return nil, ErrMissingUserID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := e.now(ctx)
	day := DayOf(now)
	tier, limits := e.resolve(ctx, id, now)
	limit := limits.For(genType)

	res := &ConsumeResult{
		Type:  genType,
		Tier:  tier,
		Day:   day,
		Limit: limit,
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.LedgerWriteTimeout)
	defer cancel()

	start := time.Now()
	rec, err := e.storage.IncrementUsage(writeCtx, id.UserID, day, genType)
	e.config.Metrics.RecordStorageOperation("increment_usage", time.Since(start), err)
	if err != nil {
		e.config.Metrics.RecordConsumption(genType.String(), tier.String(), false)
		e.config.Logger.Error("failed to record generation; usage not counted",
			UserField(id.UserID),
			TypeField(genType),
			DayField(day),
			ErrorField(err),
		)
		return res, nil
	}

	res.Recorded = true
	res.Used = rec.Count(genType)
	res.Remaining = remaining(limit, res.Used)
	e.config.Metrics.RecordConsumption(genType.String(), tier.String(), true)
	e.config.Logger.Debug("generation recorded",
		UserField(id.UserID),
		TypeField(genType),
		Field{"used", res.Used},
	)
	return res, nil
}

// GlobalLimits returns the configured limits table, or DefaultGlobalLimits if none was stored
func (e *Engine) GlobalLimits(ctx context.Context) (*GlobalLimits, error) {
	gl, err := e.storage.GetGlobalLimits(ctx)
	if errors.Is(err, ErrLimitsNotFound) {
		return DefaultGlobalLimits(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get global limits: %w", err)
	}
	return gl, nil
}

// SetGlobalLimits replaces the limits table. Admin only.
func (e *Engine) SetGlobalLimits(ctx context.Context, actor Identity, gl *GlobalLimits) error {
	if !actor.IsAdmin {
		return ErrForbidden
	}
	if err := gl.Validate(); err != nil {
		return err
	}

	gl = gl.Clone()
	gl.UpdatedAt = e.now(ctx)
	if err := e.storage.SetGlobalLimits(ctx, gl); err != nil {
		return fmt.Errorf("set global limits: %w", err)
	}
	e.cache.InvalidateLimits()

	e.config.Logger.Info("global limits updated",
		Field{"actor", actor.UserID},
		Field{"text_enabled", gl.TextLimitEnabled},
		Field{"image_enabled", gl.ImageLimitEnabled},
	)
	return nil
}

// Subscription returns the stored subscription, or ErrSubscriptionNotFound
func (e *Engine) Subscription(ctx context.Context, userID string) (*Subscription, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	return e.storage.GetSubscription(ctx, userID)
}

// SetSubscription grants or changes a user's subscription. Admin only.
func (e *Engine) SetSubscription(ctx context.Context, actor Identity, sub *Subscription) error {
	if !actor.IsAdmin {
		return ErrForbidden
	}
	if err := e.ApplySubscription(ctx, sub); err != nil {
		return err
	}
	e.config.Logger.Info("subscription set by admin",
		Field{"actor", actor.UserID},
		UserField(sub.UserID),
		TierField(sub.Tier),
	)
	return nil
}

// CancelSubscription removes a user's subscription, returning them to free. Admin only.
func (e *Engine) CancelSubscription(ctx context.Context, actor Identity, userID string) error {
	if !actor.IsAdmin {
		return ErrForbidden
	}
	if err := e.RevokeSubscription(ctx, userID); err != nil {
		return err
	}
	e.config.Logger.Info("subscription cancelled by admin",
		Field{"actor", actor.UserID},
		UserField(userID),
	)
	return nil
}

// ApplySubscription upserts a subscription for trusted server-side callers
// such as a verified billing webhook.
func (e *Engine) ApplySubscription(ctx context.Context, sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	stored := copySubscription(sub)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = e.now(ctx)
	}
	if err := e.storage.SetSubscription(ctx, stored); err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	e.cache.InvalidateSubscription(sub.UserID)
	return nil
}

// RevokeSubscription deletes a subscription for trusted server-side callers
func (e *Engine) RevokeSubscription(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	if err := e.storage.DeleteSubscription(ctx, userID); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	e.cache.InvalidateSubscription(userID)
	return nil
}

// UsageFor returns a user's counters for a day. Admins may read anyone; users only themselves.
func (e *Engine) UsageFor(ctx context.Context, actor Identity, userID string, day Day) (*UsageRecord, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if !actor.IsAdmin && actor.UserID != userID {
		return nil, ErrForbidden
	}
	if !day.Valid() {
		return nil, ErrInvalidDay
	}
	rec, err := e.storage.GetUsage(ctx, userID, day)
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	if rec == nil {
		rec = ZeroUsage(userID, day)
	}
	return rec, nil
}

// Today returns the current usage bucket key
func (e *Engine) Today(ctx context.Context) Day {
	return DayOf(e.now(ctx))
}

// CacheStats exposes the engine's cache counters
func (e *Engine) CacheStats() CacheStats {
	return e.cache.Stats()
}

func (e *Engine) now(ctx context.Context) time.Time {
	if e.timeSource != nil {
		t, err := e.timeSource.Now(ctx)
		if err == nil {
			return t.UTC()
		}
		e.config.Logger.Warn("storage time unavailable, using local clock", ErrorField(err))
	}
	return e.config.Clock.Now().UTC()
}

// resolve looks up the subscription and the limit table concurrently.
// Neither lookup fails: tier lookup errors fall back to free, limit lookup
// errors fall back to no cap.
func (e *Engine) resolve(ctx context.Context, id Identity, now time.Time) (Tier, Limits) {
	if id.IsAdmin {
		return TierAdmin, Limits{}
	}

	var (
		sub *Subscription
		gl  *GlobalLimits
		g   errgroup.Group
	)
	g.Go(func() error {
		sub = e.subscription(ctx, id.UserID)
		return nil
	})
	g.Go(func() error {
		gl = e.globalLimits(ctx)
		return nil
	})
	_ = g.Wait()

	tier := ResolveTier(false, sub, now)
	return tier, LimitsFor(tier, gl)
}

func (e *Engine) subscription(ctx context.Context, userID string) *Subscription {
	if sub, ok := e.cache.GetSubscription(userID); ok {
		e.config.Metrics.RecordCacheHit("subscription")
		return sub
	}
	e.config.Metrics.RecordCacheMiss("subscription")

	v, err, _ := e.flight.Do("sub:"+userID, func() (interface{}, error) {
		start := time.Now()
		sub, err := e.storage.GetSubscription(ctx, userID)
		e.config.Metrics.RecordStorageOperation("get_subscription", time.Since(start), err)
		if errors.Is(err, ErrSubscriptionNotFound) {
			sub, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
		if cc := e.config.CacheConfig; cc != nil {
			e.cache.SetSubscription(userID, sub, cc.SubscriptionTTL)
		}
		return sub, nil
	})
	if err != nil {
		e.config.Metrics.RecordFallback("tier_lookup")
		e.config.Logger.Warn("subscription lookup failed, using free tier",
			UserField(userID),
			ErrorField(err),
		)
		return nil
	}
	sub, _ := v.(*Subscription)
	return copySubscription(sub)
}

func (e *Engine) globalLimits(ctx context.Context) *GlobalLimits {
	if gl, ok := e.cache.GetLimits(); ok {
		e.config.Metrics.RecordCacheHit("limits")
		return gl
	}
	e.config.Metrics.RecordCacheMiss("limits")

	v, err, _ := e.flight.Do(limitsFlightKey, func() (interface{}, error) {
		start := time.Now()
		gl, err := e.storage.GetGlobalLimits(ctx)
		e.config.Metrics.RecordStorageOperation("get_global_limits", time.Since(start), err)
		if errors.Is(err, ErrLimitsNotFound) {
			gl, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
		if cc := e.config.CacheConfig; cc != nil {
			e.cache.SetLimits(gl, cc.LimitsTTL)
		}
		return gl, nil
	})
	if err != nil {
		e.config.Metrics.RecordFallback("limits_lookup")
		e.config.Logger.Warn("global limits lookup failed, limits not enforced",
			ErrorField(err),
		)
		return nil
	}
	gl, _ := v.(*GlobalLimits)
	return gl.Clone()
}

func (e *Engine) usage(ctx context.Context, userID string, day Day) (*UsageRecord, error) {
	start := time.Now()
	rec, err := e.storage.GetUsage(ctx, userID, day)
	e.config.Metrics.RecordStorageOperation("get_usage", time.Since(start), err)
	if err != nil {
		if e.config.FailOpenOnUsageError && ctx.Err() == nil {
			e.config.Metrics.RecordFallback("usage_lookup")
			e.config.Logger.Warn("usage lookup failed, treating as zero",
				UserField(userID),
				DayField(day),
				ErrorField(err),
			)
			return ZeroUsage(userID, day), nil
		}
		return nil, fmt.Errorf("get usage: %w", err)
	}
	if rec == nil {
		return ZeroUsage(userID, day), nil
	}
	return rec, nil
}
