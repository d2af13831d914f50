package api

import (
	"time"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

// Counter is one generation type's standing. A null limit means no cap.
type Counter struct {
	Used      int  `json:"used"`
	Limit     *int `json:"limit"`
	Remaining *int `json:"remaining"`
}

// StatusResponse is the caller's quota standing for today
type StatusResponse struct {
	UserID string  `json:"user_id"`
	Tier   string  `json:"tier"`
	Day    string  `json:"day"`
	Text   Counter `json:"text"`
	Image  Counter `json:"image"`
}

// GenerateRequest is the body of a generation call
type GenerateRequest struct {
	Prompt string            `json:"prompt"`
	Model  string            `json:"model,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// GenerateResponse carries the provider output. Text is set for text
// generations, Data (base64 in JSON) for image and speech.
type GenerateResponse struct {
	RequestID   string   `json:"request_id"`
	Kind        string   `json:"kind"`
	ContentType string   `json:"content_type,omitempty"`
	Text        string   `json:"text,omitempty"`
	Data        []byte   `json:"data,omitempty"`
	Quota       *Counter `json:"quota,omitempty"`
}

// LimitsDocument is the wire form of the global limits table
type LimitsDocument struct {
	FreeTextLimit     *int       `json:"free_text_limit"`
	FreeImageLimit    *int       `json:"free_image_limit"`
	ProTextLimit      *int       `json:"pro_text_limit"`
	ProImageLimit     *int       `json:"pro_image_limit"`
	TextLimitEnabled  bool       `json:"text_limit_enabled"`
	ImageLimitEnabled bool       `json:"image_limit_enabled"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

// SubscriptionRequest grants or changes a user's subscription
type SubscriptionRequest struct {
	UserID    string     `json:"user_id"`
	Tier      string     `json:"tier"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SubscriptionResponse is a stored subscription
type SubscriptionResponse struct {
	UserID    string     `json:"user_id"`
	Tier      string     `json:"tier"`
	ExpiresAt *time.Time `json:"expires_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// UsageResponse is one user's ledger row for a day
type UsageResponse struct {
	UserID           string     `json:"user_id"`
	Day              string     `json:"day"`
	TextGenerations  int        `json:"text_generations"`
	ImageGenerations int        `json:"image_generations"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
	Tier  string `json:"tier,omitempty"`
	Limit *int   `json:"limit,omitempty"`
}

func newStatusResponse(s *quota.Status) StatusResponse {
	return StatusResponse{
		UserID: s.UserID,
		Tier:   s.Tier.String(),
		Day:    s.Day.String(),
		Text: Counter{
			Used:      s.Usage.TextGenerations,
			Limit:     s.Limits.Text,
			Remaining: s.TextRemaining,
		},
		Image: Counter{
			Used:      s.Usage.ImageGenerations,
			Limit:     s.Limits.Image,
			Remaining: s.ImageRemaining,
		},
	}
}

func newLimitsDocument(gl *quota.GlobalLimits) LimitsDocument {
	doc := LimitsDocument{
		FreeTextLimit:     gl.FreeTextLimit,
		FreeImageLimit:    gl.FreeImageLimit,
		ProTextLimit:      gl.ProTextLimit,
		ProImageLimit:     gl.ProImageLimit,
		TextLimitEnabled:  gl.TextLimitEnabled,
		ImageLimitEnabled: gl.ImageLimitEnabled,
	}
	if !gl.UpdatedAt.IsZero() {
		t := gl.UpdatedAt
		doc.UpdatedAt = &t
	}
	return doc
}

func (d LimitsDocument) toGlobalLimits() *quota.GlobalLimits {
	return &quota.GlobalLimits{
		FreeTextLimit:     d.FreeTextLimit,
		FreeImageLimit:    d.FreeImageLimit,
		ProTextLimit:      d.ProTextLimit,
		ProImageLimit:     d.ProImageLimit,
		TextLimitEnabled:  d.TextLimitEnabled,
		ImageLimitEnabled: d.ImageLimitEnabled,
	}
}

func newUsageResponse(u *quota.UsageRecord) UsageResponse {
	resp := UsageResponse{
		UserID:           u.UserID,
		Day:              u.Day.String(),
		TextGenerations:  u.TextGenerations,
		ImageGenerations: u.ImageGenerations,
	}
	if !u.UpdatedAt.IsZero() {
		t := u.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}
