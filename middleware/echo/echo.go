// Package echo provides Echo middleware for quota enforcement
package echo

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/zarahub/pkg/auth"
	"github.com/mihaimyh/zarahub/pkg/quota"
)

// IdentityExtractor extracts the caller from an Echo context.
// Return false if the user is not authenticated.
type IdentityExtractor func(c echo.Context) (quota.Identity, bool)

// GenerationTypeExtractor picks the metered generation type for a request
type GenerationTypeExtractor func(c echo.Context) (quota.GenerationType, error)

// Config holds middleware configuration
type Config struct {
	// Engine is the quota engine instance (required)
	Engine *quota.Engine

	// GetIdentity extracts the caller from context.
	// Default: the identity stored by auth.Verifier.Middleware on the request context
	GetIdentity IdentityExtractor

	// GetGenerationType picks the generation type (required)
	GetGenerationType GenerationTypeExtractor

	// OnQuotaExceeded is called when the daily limit is reached
	// If nil, returns 429 JSON with usage info
	OnQuotaExceeded func(c echo.Context, d *quota.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the check fails or the type cannot be determined
	// If nil, returns 400 for a bad type and 500 otherwise
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that gates a generation handler on
// the caller's daily quota. The generation is recorded only when the handler
// returned no error, wrote a 2xx status and the client is still connected.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("zarahub/echo: Config.Engine is required")
	}
	if cfg.GetGenerationType == nil {
		panic("zarahub/echo: Config.GetGenerationType is required")
	}
	if cfg.GetIdentity == nil {
		cfg.GetIdentity = FromAuthContext()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := cfg.GetIdentity(c)
			if !ok || id.UserID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			genType, err := cfg.GetGenerationType(c)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			ctx := c.Request().Context()
			d, err := cfg.Engine.Check(ctx, id, genType)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			setQuotaHeaders(c, d)
			if !d.Allowed {
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, d)
				}
				return defaultQuotaExceeded(c, d)
			}

			if err := next(c); err != nil {
				return err
			}

			status := c.Response().Status
			if status < 200 || status >= 300 || ctx.Err() != nil {
				return nil
			}
			_, _ = cfg.Engine.Consume(ctx, id, genType)
			return nil
		}
	}
}

func setQuotaHeaders(c echo.Context, d *quota.Decision) {
	h := c.Response().Header()
	h.Set("X-Quota-Tier", d.Tier.String())
	if d.Limit != nil {
		h.Set("X-Quota-Limit", strconv.Itoa(*d.Limit))
	}
	if d.Remaining != nil {
		h.Set("X-Quota-Remaining", strconv.Itoa(*d.Remaining))
	}
}

func defaultQuotaExceeded(c echo.Context, d *quota.Decision) error {
	return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
		"error": "Quota exceeded",
		"type":  d.Type.String(),
		"tier":  d.Tier.String(),
		"used":  d.Used,
		"limit": d.Limit,
	})
}

// Convenience extractors for identity

// FromAuthContext returns an IdentityExtractor reading the identity stored by
// auth.Verifier.Middleware on the request context
func FromAuthContext() IdentityExtractor {
	return func(c echo.Context) (quota.Identity, bool) {
		return auth.IdentityFrom(c.Request().Context())
	}
}

// FromContext returns an IdentityExtractor that gets the identity from Echo context values
func FromContext(key string) IdentityExtractor {
	return func(c echo.Context) (quota.Identity, bool) {
		if id, ok := c.Get(key).(quota.Identity); ok {
			return id, id.UserID != ""
		}
		return quota.Identity{}, false
	}
}

// Convenience extractors for generation type

// FixedType returns a GenerationTypeExtractor that always returns genType
func FixedType(genType quota.GenerationType) GenerationTypeExtractor {
	return func(echo.Context) (quota.GenerationType, error) {
		return genType, nil
	}
}

// FromParam returns a GenerationTypeExtractor that parses a route parameter
func FromParam(paramName string) GenerationTypeExtractor {
	return func(c echo.Context) (quota.GenerationType, error) {
		return quota.ParseGenerationType(c.Param(paramName))
	}
}
