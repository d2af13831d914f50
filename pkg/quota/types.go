package quota

import (
	"fmt"
	"strings"
	"time"
)

// GenerationType identifies a metered kind of generation
type GenerationType int

const (
	// GenerationText is a text (chat) generation
	GenerationText GenerationType = iota + 1
	// GenerationImage is an image generation
	GenerationImage
)

// GenerationTypes lists every metered generation type
var GenerationTypes = []GenerationType{GenerationText, GenerationImage}

func (g GenerationType) String() string {
	switch g {
	case GenerationText:
		return "text"
	case GenerationImage:
		return "image"
	default:
		return fmt.Sprintf("GenerationType(%d)", int(g))
	}
}

// Valid reports whether g is one of the known generation types
func (g GenerationType) Valid() bool {
	switch g {
	case GenerationText, GenerationImage:
		return true
	default:
		return false
	}
}

// ParseGenerationType parses "text" or "image"
func ParseGenerationType(s string) (GenerationType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return GenerationText, nil
	case "image":
		return GenerationImage, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidGenerationType, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (g GenerationType) MarshalText() ([]byte, error) {
	if !g.Valid() {
		return nil, ErrInvalidGenerationType
	}
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (g *GenerationType) UnmarshalText(b []byte) error {
	parsed, err := ParseGenerationType(string(b))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// Identity is the caller as reported by the identity/session provider.
// IsAdmin must come from the provider's role claim.
type Identity struct {
	UserID  string
	IsAdmin bool
}

// Subscription is a paid service level assigned to a user.
// Free is implicit and never stored.
type Subscription struct {
	UserID    string
	Tier      Tier
	ExpiresAt *time.Time // nil never expires
	UpdatedAt time.Time
}

// Active reports whether the subscription is unexpired at now
func (s *Subscription) Active(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.ExpiresAt == nil {
		return true
	}
	return !s.ExpiresAt.Before(now)
}

// Validate checks that the subscription can be stored
func (s *Subscription) Validate() error {
	if s == nil {
		return ErrInvalidSubscription
	}
	if s.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidSubscription)
	}
	if s.Tier != TierPro && s.Tier != TierUnlimited {
		return fmt.Errorf("%w: tier must be pro or unlimited, got %s", ErrInvalidSubscription, s.Tier)
	}
	return nil
}

// UsageRecord holds one user's generation counters for one UTC day
type UsageRecord struct {
	UserID           string
	Day              Day
	TextGenerations  int
	ImageGenerations int
	UpdatedAt        time.Time
}

// Count returns the counter for the given generation type
func (u *UsageRecord) Count(g GenerationType) int {
	if u == nil {
		return 0
	}
	switch g {
	case GenerationText:
		return u.TextGenerations
	case GenerationImage:
		return u.ImageGenerations
	default:
		return 0
	}
}

// Limits are the effective daily caps for a tier. Nil means no cap.
type Limits struct {
	Text  *int
	Image *int
}

// For returns the limit for the given generation type
func (l Limits) For(g GenerationType) *int {
	switch g {
	case GenerationText:
		return l.Text
	case GenerationImage:
		return l.Image
	default:
		return nil
	}
}

// Status is a snapshot of a user's quota standing for a day
type Status struct {
	UserID         string
	Tier           Tier
	Day            Day
	Usage          UsageRecord
	Limits         Limits
	TextRemaining  *int
	ImageRemaining *int
}

// Remaining returns the remaining count for the given type, nil if uncapped
func (s *Status) Remaining(g GenerationType) *int {
	switch g {
	case GenerationText:
		return s.TextRemaining
	case GenerationImage:
		return s.ImageRemaining
	default:
		return nil
	}
}

// Decision is the result of a quota check for a single attempt
type Decision struct {
	Allowed   bool
	Type      GenerationType
	Tier      Tier
	Day       Day
	Used      int
	Limit     *int
	Remaining *int
}

// ConsumeResult reports the outcome of recording a consumption.
// Recorded is false when the ledger write failed and the unit was dropped.
type ConsumeResult struct {
	Recorded  bool
	Type      GenerationType
	Tier      Tier
	Day       Day
	Used      int
	Limit     *int
	Remaining *int
}

// remaining computes max(0, limit-used), nil when limit is nil
func remaining(limit *int, used int) *int {
	if limit == nil {
		return nil
	}
	r := *limit - used
	if r < 0 {
		r = 0
	}
	return &r
}

// Int returns a pointer to v; handy for building limits
func Int(v int) *int {
	return &v
}
