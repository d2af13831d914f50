package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/zarahub/pkg/auth"
	"github.com/mihaimyh/zarahub/pkg/generate"
	"github.com/mihaimyh/zarahub/pkg/quota"
)

const defaultMaxBodyBytes = 1 << 20

// Config holds configuration for the API handler
type Config struct {
	// Engine is the quota engine instance (required)
	Engine *quota.Engine

	// Generator serves the generation endpoints. If nil, they are not registered.
	Generator *generate.Service

	// GetIdentity extracts the caller from the request.
	// If nil, the identity stored by auth.Verifier.Middleware is used.
	GetIdentity func(*http.Request) (quota.Identity, bool)

	// OnError handles errors (auth, quota, internal, etc.)
	// If nil, a JSON error body with the mapped status code is written.
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional
	Logger quota.Logger

	// MaxBodyBytes caps JSON request bodies (default: 1 MiB)
	MaxBodyBytes int64
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("maxBodyBytes must be >= 0")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetIdentity == nil {
		config.GetIdentity = FromAuthContext
	}
	if config.Logger == nil {
		config.Logger = &quota.NoopLogger{}
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{config: config}, nil
}

// FromAuthContext reads the identity placed on the context by auth.Verifier.Middleware
func FromAuthContext(r *http.Request) (quota.Identity, bool) {
	return auth.IdentityFrom(r.Context())
}
