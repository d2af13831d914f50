// Package fiber provides Fiber middleware for quota enforcement
package fiber

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/zarahub/pkg/auth"
	"github.com/mihaimyh/zarahub/pkg/quota"
)

// IdentityExtractor extracts the caller from a Fiber context.
// Return false if the user is not authenticated.
type IdentityExtractor func(c *fiber.Ctx) (quota.Identity, bool)

// GenerationTypeExtractor picks the metered generation type for a request
type GenerationTypeExtractor func(c *fiber.Ctx) (quota.GenerationType, error)

// Config holds middleware configuration
type Config struct {
	// Engine is the quota engine instance (required)
	Engine *quota.Engine

	// GetIdentity extracts the caller from context.
	// Default: the identity stored with auth.WithIdentity on c.UserContext()
	GetIdentity IdentityExtractor

	// GetGenerationType picks the generation type (required)
	GetGenerationType GenerationTypeExtractor

	// OnQuotaExceeded is called when the daily limit is reached
	// If nil, returns 429 JSON with usage info
	OnQuotaExceeded func(c *fiber.Ctx, d *quota.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the check fails or the type cannot be determined
	// If nil, returns 400 for a bad type and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that gates a generation handler on
// the caller's daily quota and records the generation after a 2xx response.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("zarahub/fiber: Config.Engine is required")
	}
	if cfg.GetGenerationType == nil {
		panic("zarahub/fiber: Config.GetGenerationType is required")
	}
	if cfg.GetIdentity == nil {
		cfg.GetIdentity = FromUserContext()
	}

	return func(c *fiber.Ctx) error {
		id, ok := cfg.GetIdentity(c)
		if !ok || id.UserID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		genType, err := cfg.GetGenerationType(c)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}

		ctx := c.UserContext()
		d, err := cfg.Engine.Check(ctx, id, genType)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		setQuotaHeaders(c, d)
		if !d.Allowed {
			if cfg.OnQuotaExceeded != nil {
				return cfg.OnQuotaExceeded(c, d)
			}
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Quota exceeded",
				"type":  d.Type.String(),
				"tier":  d.Tier.String(),
				"used":  d.Used,
				"limit": d.Limit,
			})
		}

		if err := c.Next(); err != nil {
			return err
		}

		status := c.Response().StatusCode()
		if status < 200 || status >= 300 || ctx.Err() != nil {
			return nil
		}
		_, _ = cfg.Engine.Consume(ctx, id, genType)
		return nil
	}
}

func setQuotaHeaders(c *fiber.Ctx, d *quota.Decision) {
	c.Set("X-Quota-Tier", d.Tier.String())
	if d.Limit != nil {
		c.Set("X-Quota-Limit", strconv.Itoa(*d.Limit))
	}
	if d.Remaining != nil {
		c.Set("X-Quota-Remaining", strconv.Itoa(*d.Remaining))
	}
}

// Convenience extractors for identity

// FromUserContext returns an IdentityExtractor reading auth.IdentityFrom(c.UserContext())
func FromUserContext() IdentityExtractor {
	return func(c *fiber.Ctx) (quota.Identity, bool) {
		return auth.IdentityFrom(c.UserContext())
	}
}

// FromLocals returns an IdentityExtractor that gets the identity from Fiber locals
func FromLocals(key string) IdentityExtractor {
	return func(c *fiber.Ctx) (quota.Identity, bool) {
		if id, ok := c.Locals(key).(quota.Identity); ok {
			return id, id.UserID != ""
		}
		return quota.Identity{}, false
	}
}

// Convenience extractors for generation type

// FixedType returns a GenerationTypeExtractor that always returns genType
func FixedType(genType quota.GenerationType) GenerationTypeExtractor {
	return func(*fiber.Ctx) (quota.GenerationType, error) {
		return genType, nil
	}
}

// FromParam returns a GenerationTypeExtractor that parses a route parameter
func FromParam(paramName string) GenerationTypeExtractor {
	return func(c *fiber.Ctx) (quota.GenerationType, error) {
		return quota.ParseGenerationType(c.Params(paramName))
	}
}
