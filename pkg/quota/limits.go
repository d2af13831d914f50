package quota

import (
	"fmt"
	"time"
)

// GlobalLimits is the administrator-managed singleton limit table.
// The unlimited tier has no stored limit. A disabled toggle turns the
// corresponding generation type into "no cap" for every tier.
type GlobalLimits struct {
	FreeTextLimit     *int
	FreeImageLimit    *int
	ProTextLimit      *int
	ProImageLimit     *int
	TextLimitEnabled  bool
	ImageLimitEnabled bool
	UpdatedAt         time.Time
}

// DefaultGlobalLimits is what applies when no row has been configured: nothing is capped
func DefaultGlobalLimits() *GlobalLimits {
	return &GlobalLimits{}
}

// Validate checks that configured limits are non-negative
func (g *GlobalLimits) Validate() error {
	if g == nil {
		return ErrInvalidLimits
	}
	for name, v := range map[string]*int{
		"free_text_limit":  g.FreeTextLimit,
		"free_image_limit": g.FreeImageLimit,
		"pro_text_limit":   g.ProTextLimit,
		"pro_image_limit":  g.ProImageLimit,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s must be >= 0, got %d", ErrInvalidLimits, name, *v)
		}
	}
	return nil
}

// Clone returns a deep copy
func (g *GlobalLimits) Clone() *GlobalLimits {
	if g == nil {
		return nil
	}
	c := *g
	c.FreeTextLimit = cloneInt(g.FreeTextLimit)
	c.FreeImageLimit = cloneInt(g.FreeImageLimit)
	c.ProTextLimit = cloneInt(g.ProTextLimit)
	c.ProImageLimit = cloneInt(g.ProImageLimit)
	return &c
}

// LimitsFor returns the effective limits for a tier.
//
// Admin and unlimited are never capped. For free and pro a disabled toggle
// or an unconfigured value means no cap, and a nil table (row absent) means
// no cap at all: the engine is never stricter than explicitly configured.
func LimitsFor(tier Tier, gl *GlobalLimits) Limits {
	switch tier {
	case TierAdmin, TierUnlimited:
		return Limits{}
	case TierFree:
		if gl == nil {
			return Limits{}
		}
		return Limits{
			Text:  enabled(gl.TextLimitEnabled, gl.FreeTextLimit),
			Image: enabled(gl.ImageLimitEnabled, gl.FreeImageLimit),
		}
	case TierPro:
		if gl == nil {
			return Limits{}
		}
		return Limits{
			Text:  enabled(gl.TextLimitEnabled, gl.ProTextLimit),
			Image: enabled(gl.ImageLimitEnabled, gl.ProImageLimit),
		}
	default:
		// Unknown tiers get the free table
		return LimitsFor(TierFree, gl)
	}
}

func enabled(on bool, v *int) *int {
	if !on || v == nil {
		return nil
	}
	return cloneInt(v)
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
