// Package generate calls third-party text, image and speech generation APIs
// and gates the metered ones on the quota engine.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

const (
	defaultTimeout      = 2 * time.Minute
	defaultMaxBodyBytes = 20 << 20
	requestIDHeader     = "X-Request-ID"
)

// Kind is a generation request flow
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindSpeech Kind = "speech"
)

// ParseKind parses "text", "image" or "speech"
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindText, KindImage, KindSpeech:
		return k, nil
	default:
		return "", fmt.Errorf("unknown generation kind %q", s)
	}
}

// Metered returns the ledger counter for k. Speech is not metered.
func (k Kind) Metered() (quota.GenerationType, bool) {
	switch k {
	case KindText:
		return quota.GenerationText, true
	case KindImage:
		return quota.GenerationImage, true
	case KindSpeech:
		return 0, false
	default:
		return 0, false
	}
}

// Request is a prompt for a provider
type Request struct {
	Prompt string
	Model  string
	// Params are passed through as query parameters (e.g. width, voice, seed)
	Params map[string]string
}

// Result is the provider's opaque response
type Result struct {
	RequestID   string
	Kind        Kind
	ContentType string
	Body        []byte
}

// Provider performs one generation
type Provider interface {
	Generate(ctx context.Context, kind Kind, req Request) (*Result, error)
}

// ProviderError is a non-200 provider response
type ProviderError struct {
	Kind       Kind
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider returned %d: %s", e.Kind, e.StatusCode, e.Body)
}

// ErrEmptyPrompt is returned for a blank prompt
var ErrEmptyPrompt = errors.New("prompt is required")

// ErrEmptyResponse is returned when the provider answers 200 with no body
var ErrEmptyResponse = errors.New("provider returned an empty response")

// ErrResponseTooLarge is returned when the provider body exceeds MaxBodyBytes
var ErrResponseTooLarge = errors.New("provider response too large")

// ClientConfig holds generation client configuration
type ClientConfig struct {
	// Base URLs per kind. The prompt is appended as a path segment.
	TextURL   string
	ImageURL  string
	SpeechURL string

	// APIKey, when set, is sent as a bearer token
	APIKey string

	// Timeout bounds a single provider call (default: 2 minutes)
	Timeout time.Duration

	// MaxBodyBytes caps the response size (default: 20 MiB)
	MaxBodyBytes int64

	// HTTPClient overrides the default client
	HTTPClient *http.Client
}

// Client implements Provider over plain HTTP GETs
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a new generation client
func NewClient(config ClientConfig) (*Client, error) {
	for kind, raw := range map[Kind]string{
		KindText:   config.TextURL,
		KindImage:  config.ImageURL,
		KindSpeech: config.SpeechURL,
	} {
		if raw == "" {
			continue
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, fmt.Errorf("invalid %s url: %w", kind, err)
		}
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{config: config, httpClient: httpClient}, nil
}

// Generate implements Provider
func (c *Client) Generate(ctx context.Context, kind Kind, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	endpoint, err := c.endpoint(kind, req)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set(requestIDHeader, requestID)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", kind, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", kind, err)
	}
	if int64(len(body)) > c.config.MaxBodyBytes {
		if resp.StatusCode != http.StatusOK {
			return nil, &ProviderError{Kind: kind, StatusCode: resp.StatusCode, Body: snippet(body)}
		}
		return nil, fmt.Errorf("%s: %w (limit %d bytes)", kind, ErrResponseTooLarge, c.config.MaxBodyBytes)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Kind: kind, StatusCode: resp.StatusCode, Body: snippet(body)}
	}
	if len(body) == 0 {
		return nil, ErrEmptyResponse
	}

	return &Result{
		RequestID:   requestID,
		Kind:        kind,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (c *Client) endpoint(kind Kind, req Request) (string, error) {
	var base string
	switch kind {
	case KindText:
		base = c.config.TextURL
	case KindImage:
		base = c.config.ImageURL
	case KindSpeech:
		base = c.config.SpeechURL
	}
	if base == "" {
		return "", fmt.Errorf("no provider configured for %q", kind)
	}

	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + url.PathEscape(req.Prompt))
	if err != nil {
		return "", fmt.Errorf("build %s url: %w", kind, err)
	}
	q := u.Query()
	for k, v := range req.Params {
		q.Set(k, v)
	}
	if req.Model != "" {
		q.Set("model", req.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func snippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
