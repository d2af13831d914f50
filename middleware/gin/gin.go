// Package gin provides Gin middleware for quota enforcement
package gin

import (
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/zarahub/pkg/auth"
	"github.com/mihaimyh/zarahub/pkg/quota"
)

// IdentityExtractor extracts the caller from a Gin context.
// Return false if the user is not authenticated.
type IdentityExtractor func(c *gongin.Context) (quota.Identity, bool)

// GenerationTypeExtractor picks the metered generation type for a request
type GenerationTypeExtractor func(c *gongin.Context) (quota.GenerationType, error)

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
	OnQuotaExceeded func(c *gongin.Context, d *quota.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the check fails or the type cannot be determined
	// If nil, returns 400 for a bad type and 500 otherwise
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that gates a generation handler on the
// caller's daily quota and records the generation after a 2xx response.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("zarahub/gin: Config.Engine is required")
	}
	if cfg.GetGenerationType == nil {
		panic("zarahub/gin: Config.GetGenerationType is required")
	}
	if cfg.GetIdentity == nil {
		cfg.GetIdentity = FromAuthContext()
	}

	return func(c *gongin.Context) {
		id, ok := cfg.GetIdentity(c)
		if !ok || id.UserID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		genType, err := cfg.GetGenerationType(c)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		d, err := cfg.Engine.Check(ctx, id, genType)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		setQuotaHeaders(c, d)
		if !d.Allowed {
			if cfg.OnQuotaExceeded != nil {
				cfg.OnQuotaExceeded(c, d)
			} else {
				defaultQuotaExceeded(c, d)
			}
			c.Abort()
			return
		}

		c.Next()

		status := c.Writer.Status()
		if status < 200 || status >= 300 || c.IsAborted() || ctx.Err() != nil {
			return
		}
		_, _ = cfg.Engine.Consume(ctx, id, genType)
	}
}

func setQuotaHeaders(c *gongin.Context, d *quota.Decision) {
	c.Header("X-Quota-Tier", d.Tier.String())
	if d.Limit != nil {
		c.Header("X-Quota-Limit", strconv.Itoa(*d.Limit))
	}
	if d.Remaining != nil {
		c.Header("X-Quota-Remaining", strconv.Itoa(*d.Remaining))
	}
}

func defaultQuotaExceeded(c *gongin.Context, d *quota.Decision) {
	c.JSON(http.StatusTooManyRequests, gongin.H{
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
	return func(c *gongin.Context) (quota.Identity, bool) {
		return auth.IdentityFrom(c.Request.Context())
	}
}

// FromContext returns an IdentityExtractor that gets the identity from Gin context values.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("identity", quota.Identity{UserID: userID})
//
//	// In quota middleware config:
//	GetIdentity: gin.FromContext("identity")
func FromContext(key string) IdentityExtractor {
	return func(c *gongin.Context) (quota.Identity, bool) {
		if val, exists := c.Get(key); exists {
			if id, ok := val.(quota.Identity); ok {
				return id, id.UserID != ""
			}
		}
		return quota.Identity{}, false
	}
}

// Convenience extractors for generation type

// FixedType returns a GenerationTypeExtractor that always returns genType
func FixedType(genType quota.GenerationType) GenerationTypeExtractor {
	return func(*gongin.Context) (quota.GenerationType, error) {
		return genType, nil
	}
}

// FromParam returns a GenerationTypeExtractor that parses a route parameter
func FromParam(paramName string) GenerationTypeExtractor {
	return func(c *gongin.Context) (quota.GenerationType, error) {
		return quota.ParseGenerationType(c.Param(paramName))
	}
}
