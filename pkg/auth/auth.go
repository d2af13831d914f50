// Package auth turns identity-provider bearer tokens into quota identities.
//
// Admin status comes only from the provider's server-controlled role claim
// (app_metadata.role), never from anything the client can set.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

// DefaultAdminRole is the app_metadata.role value that grants admin
const DefaultAdminRole = "admin"

var (
	// ErrMissingToken is returned when the request carries no bearer token
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when the token fails verification
	ErrInvalidToken = errors.New("invalid or expired token")
)

// AppMetadata holds provider-managed claims the user cannot edit
type AppMetadata struct {
	Role string `json:"role,omitempty"`
}

// Claims are the JWT claims issued by the identity provider
type Claims struct {
	Email       string      `json:"email,omitempty"`
	AppMetadata AppMetadata `json:"app_metadata"`
	jwt.RegisteredClaims
}

// Config holds verifier configuration
type Config struct {
	// Secret is the HMAC key shared with the identity provider
	Secret []byte

	// Issuer, when set, must match the iss claim
	Issuer string

	// Audience, when set, must be present in the aud claim
	Audience string

	// AdminRole is the app_metadata.role value that grants admin (default: "admin")
	AdminRole string

	// Leeway tolerates clock skew when checking exp/nbf
	Leeway time.Duration
}

// Verifier validates bearer tokens
type Verifier struct {
	config Config
	parser *jwt.Parser
}

// NewVerifier creates a new token verifier
func NewVerifier(config Config) (*Verifier, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("auth: secret is required")
	}
	if config.AdminRole == "" {
		config.AdminRole = DefaultAdminRole
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}

	return &Verifier{config: config, parser: jwt.NewParser(opts...)}, nil
}

// Verify parses a token and returns the caller's identity
func (v *Verifier) Verify(tokenString string) (quota.Identity, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.config.Secret, nil
	})
	if err != nil {
		return quota.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return quota.Identity{}, ErrInvalidToken
	}

	return quota.Identity{
		UserID:  claims.Subject,
		IsAdmin: claims.AppMetadata.Role == v.config.AdminRole,
	}, nil
}

// VerifyRequest extracts and verifies the request's bearer token
func (v *Verifier) VerifyRequest(r *http.Request) (quota.Identity, error) {
	token := BearerToken(r)
	if token == "" {
		return quota.Identity{}, ErrMissingToken
	}
	return v.Verify(token)
}

// BearerToken returns the token from an "Authorization: Bearer <token>" header
func BearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Sign issues a token for the given identity. Used by tests and local tooling;
// in production tokens come from the identity provider.
func Sign(secret []byte, id quota.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if id.IsAdmin {
		claims.AppMetadata.Role = DefaultAdminRole
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

type contextKey struct{}

// WithIdentity stores the caller identity in the context
func WithIdentity(ctx context.Context, id quota.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity
func IdentityFrom(ctx context.Context) (quota.Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(quota.Identity)
	return id, ok && id.UserID != ""
}

// Middleware verifies the bearer token and stores the identity in the request
// context. Requests without a valid token get onError, or a 401 JSON body.
func (v *Verifier) Middleware(onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	if onError == nil {
		onError = defaultOnError
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.VerifyRequest(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func defaultOnError(w http.ResponseWriter, _ *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	msg := ErrInvalidToken.Error()
	if errors.Is(err, ErrMissingToken) {
		msg = ErrMissingToken.Error()
	}
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}
