// Package http provides HTTP middleware for quota enforcement
package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mihaimyh/zarahub/pkg/auth"
	"github.com/mihaimyh/zarahub/pkg/quota"
)

// IdentityExtractor extracts the caller from an HTTP request.
// Return false if the user is not authenticated.
type IdentityExtractor func(r *http.Request) (quota.Identity, bool)

// GenerationTypeExtractor picks the metered generation type for a request
type GenerationTypeExtractor func(r *http.Request) (quota.GenerationType, error)

// Config holds middleware configuration
type Config struct {
	// Engine is the quota engine instance (required)
	Engine *quota.Engine

	// GetIdentity extracts the caller from the request.
	// Default: the identity stored by auth.Verifier.Middleware
	GetIdentity IdentityExtractor

	// GetGenerationType picks the generation type (required)
	GetGenerationType GenerationTypeExtractor

	// OnQuotaExceeded is called when the daily limit is reached
	// If nil, returns 429 Too Many Requests with a JSON body
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, d *quota.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the check fails or the type cannot be determined
	// If nil, returns 400 for a bad type and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that gates a generation handler on the
// caller's daily quota. The generation is recorded only when the handler
// answered 2xx and the client did not go away.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Engine == nil {
		panic("zarahub/http: Config.Engine is required")
	}
	if config.GetGenerationType == nil {
		panic("zarahub/http: Config.GetGenerationType is required")
	}
	if config.GetIdentity == nil {
		config.GetIdentity = FromAuthContext()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := config.GetIdentity(r)
			if !ok || id.UserID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "Unauthorized"})
				}
				return
			}

			genType, err := config.GetGenerationType(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Bad Request"})
				}
				return
			}

			ctx := r.Context()
			d, err := config.Engine.Check(ctx, id, genType)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "Internal Server Error"})
				}
				return
			}

			setQuotaHeaders(w.Header(), d)
			if !d.Allowed {
				if config.OnQuotaExceeded != nil {
					config.OnQuotaExceeded(w, r, d)
				} else {
					defaultQuotaExceeded(w, d)
				}
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if !succeeded(rec.status()) || ctx.Err() != nil {
				return
			}
			// Write failures are reported by the engine as Recorded=false
			_, _ = config.Engine.Consume(ctx, id, genType)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces quota limits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func succeeded(status int) bool {
	return status >= 200 && status < 300
}

// statusRecorder remembers the status code the handler wrote
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) status() int {
	if s.code == 0 {
		// Handler returned without writing: net/http sends 200
		return http.StatusOK
	}
	return s.code
}

func setQuotaHeaders(h http.Header, d *quota.Decision) {
	h.Set("X-Quota-Tier", d.Tier.String())
	if d.Limit != nil {
		h.Set("X-Quota-Limit", strconv.Itoa(*d.Limit))
	}
	if d.Remaining != nil {
		h.Set("X-Quota-Remaining", strconv.Itoa(*d.Remaining))
	}
}

func defaultQuotaExceeded(w http.ResponseWriter, d *quota.Decision) {
	writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error": "Quota exceeded",
		"type":  d.Type.String(),
		"tier":  d.Tier.String(),
		"used":  d.Used,
		"limit": d.Limit,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Common extractors for convenience

// FromAuthContext returns an IdentityExtractor reading the identity stored by auth.Verifier.Middleware
func FromAuthContext() IdentityExtractor {
	return func(r *http.Request) (quota.Identity, bool) {
		return auth.IdentityFrom(r.Context())
	}
}

// FixedType returns a GenerationTypeExtractor that always returns genType
func FixedType(genType quota.GenerationType) GenerationTypeExtractor {
	return func(*http.Request) (quota.GenerationType, error) {
		return genType, nil
	}
}

// FromPathValue returns a GenerationTypeExtractor that parses a ServeMux path wildcard
func FromPathValue(name string) GenerationTypeExtractor {
	return func(r *http.Request) (quota.GenerationType, error) {
		return quota.ParseGenerationType(r.PathValue(name))
	}
}

// FromQuery returns a GenerationTypeExtractor that parses a query parameter
func FromQuery(name string) GenerationTypeExtractor {
	return func(r *http.Request) (quota.GenerationType, error) {
		return quota.ParseGenerationType(r.URL.Query().Get(name))
	}
}
