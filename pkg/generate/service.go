package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

// Quota is the part of the engine a generation flow needs
type Quota interface {
	Check(ctx context.Context, id quota.Identity, genType quota.GenerationType) (*quota.Decision, error)
	Consume(ctx context.Context, id quota.Identity, genType quota.GenerationType) (*quota.ConsumeResult, error)
}

// DeniedError reports that the daily limit for a generation type is used up
type DeniedError struct {
	Type  quota.GenerationType
	Tier  quota.Tier
	Limit int
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("daily %s generation limit reached (%d per day on the %s tier)", e.Type, e.Limit, e.Tier)
}

// Unwrap makes errors.Is(err, quota.ErrQuotaExceeded) true
func (e *DeniedError) Unwrap() error {
	return quota.ErrQuotaExceeded
}

// Outcome is a completed generation and its quota bookkeeping.
// Decision and Consumption are nil for unmetered kinds.
type Outcome struct {
	Result      *Result
	Decision    *quota.Decision
	Consumption *quota.ConsumeResult
}

// Service runs check, generate, consume for each request
type Service struct {
	quota    Quota
	provider Provider
	logger   quota.Logger
}

// NewService creates a generation service
func NewService(q Quota, provider Provider, logger quota.Logger) *Service {
	if logger == nil {
		logger = &quota.NoopLogger{}
	}
	return &Service{quota: q, provider: provider, logger: logger}
}

// Generate checks the caller's quota, calls the provider and records the
// generation only once the provider succeeded and the caller is still waiting.
func (s *Service) Generate(ctx context.Context, id quota.Identity, kind Kind, req Request) (*Outcome, error) {
	if id.UserID == "" {
		return nil, quota.ErrMissingUserID
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	genType, metered := kind.Metered()
	out := &Outcome{}

	if metered {
		d, err := s.quota.Check(ctx, id, genType)
		if err != nil {
			return nil, fmt.Errorf("check quota: %w", err)
		}
		out.Decision = d
		if !d.Allowed {
			denied := &DeniedError{Type: genType, Tier: d.Tier}
			if d.Limit != nil {
				denied.Limit = *d.Limit
			}
			return out, denied
		}
	}

	res, err := s.provider.Generate(ctx, kind, req)
	if err != nil {
		s.logger.Warn("generation failed",
			quota.UserField(id.UserID),
			quota.Field{Key: "kind", Value: string(kind)},
			quota.ErrorField(err),
		)
		return out, err
	}
	out.Result = res

	if !metered {
		return out, nil
	}
	// An aborted request must not consume
	if err := ctx.Err(); err != nil {
		return out, err
	}

	c, err := s.quota.Consume(ctx, id, genType)
	if err != nil {
		return out, fmt.Errorf("record generation: %w", err)
	}
	out.Consumption = c
	return out, nil
}

// Text runs a text generation
func (s *Service) Text(ctx context.Context, id quota.Identity, req Request) (*Outcome, error) {
	return s.Generate(ctx, id, KindText, req)
}

// Image runs an image generation
func (s *Service) Image(ctx context.Context, id quota.Identity, req Request) (*Outcome, error) {
	return s.Generate(ctx, id, KindImage, req)
}

// Speech runs a speech generation; it is not metered
func (s *Service) Speech(ctx context.Context, id quota.Identity, req Request) (*Outcome, error) {
	return s.Generate(ctx, id, KindSpeech, req)
}
