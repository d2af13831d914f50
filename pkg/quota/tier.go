package quota

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the service level that determines a user's daily caps
type Tier int

const (
	// TierFree is the implicit default for users without an active subscription
	TierFree Tier = iota
	// TierPro is a paid tier with its own configured limits
	TierPro
	// TierUnlimited is a paid tier without caps
	TierUnlimited
	// TierAdmin is granted by the identity provider's role claim
	TierAdmin
)

// Tiers lists every tier, lowest precedence first
var Tiers = []Tier{TierFree, TierPro, TierUnlimited, TierAdmin}

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierPro:
		return "pro"
	case TierUnlimited:
		return "unlimited"
	case TierAdmin:
		return "admin"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierUnlimited, TierAdmin:
		return true
	default:
		return false
	}
}

// Unbounded reports whether the tier ignores every configured limit
func (t Tier) Unbounded() bool {
	switch t {
	case TierUnlimited, TierAdmin:
		return true
	case TierFree, TierPro:
		return false
	default:
		return false
	}
}

// Rank orders tiers by precedence; higher wins
func (t Tier) Rank() int {
	if !t.Valid() {
		return -1
	}
	return int(t)
}

// ParseTier parses a tier name, case-insensitively
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free":
		return TierFree, nil
	case "pro":
		return TierPro, nil
	case "unlimited":
		return TierUnlimited, nil
	case "admin":
		return TierAdmin, nil
	default:
		return TierFree, fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, ErrInvalidTier
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ResolveTier determines the effective tier.
//
// Precedence, highest first: admin (role claim), an unexpired unlimited
// subscription, an unexpired pro subscription, free. An expired subscription
// or one carrying any other tier is treated as absent.
func ResolveTier(isAdmin bool, sub *Subscription, now time.Time) Tier {
	if isAdmin {
		return TierAdmin
	}
	if !sub.Active(now) {
		return TierFree
	}
	switch sub.Tier {
	case TierUnlimited:
		return TierUnlimited
	case TierPro:
		return TierPro
	case TierFree, TierAdmin:
		return TierFree
	default:
		return TierFree
	}
}
