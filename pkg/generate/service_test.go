package generate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/zarahub/pkg/generate"
	"github.com/mihaimyh/zarahub/pkg/quota"
	"github.com/mihaimyh/zarahub/storage/memory"
)

var (
	admin = quota.Identity{UserID: "admin-1", IsAdmin: true}
	alice = quota.Identity{UserID: "alice"}
)

type fakeProvider struct {
	err   error
	calls int
	// cancel, when set, runs during the call to simulate the client going away
	cancel context.CancelFunc
}

func (p *fakeProvider) Generate(ctx context.Context, kind generate.Kind, req generate.Request) (*generate.Result, error) {
	p.calls++
	if p.cancel != nil {
		p.cancel()
	}
	if p.err != nil {
		return nil, p.err
	}
	return &generate.Result{RequestID: "req-1", Kind: kind, Body: []byte(req.Prompt)}, nil
}

func newService(t *testing.T, provider generate.Provider) (*generate.Service, *quota.Engine) {
	t.Helper()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	engine, err := quota.NewEngine(memory.New(), quota.Config{
		Clock: quota.ClockFunc(func() time.Time { return now }),
	})
	require.NoError(t, err)
	require.NoError(t, engine.SetGlobalLimits(context.Background(), admin, &quota.GlobalLimits{
		FreeTextLimit:     quota.Int(2),
		FreeImageLimit:    quota.Int(1),
		TextLimitEnabled:  true,
		ImageLimitEnabled: true,
	}))
	return generate.NewService(engine, provider, nil), engine
}

func usage(t *testing.T, engine *quota.Engine) *quota.UsageRecord {
	t.Helper()
	ctx := context.Background()
	u, err := engine.UsageFor(ctx, admin, alice.UserID, engine.Today(ctx))
	require.NoError(t, err)
	return u
}

func TestService_SuccessConsumesOnce(t *testing.T) {
	provider := &fakeProvider{}
	svc, engine := newService(t, provider)

	out, err := svc.Text(context.Background(), alice, generate.Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out.Result.Body)
	require.NotNil(t, out.Consumption)
	assert.True(t, out.Consumption.Recorded)
	assert.Equal(t, 1, out.Consumption.Used)
	assert.Equal(t, 1, *out.Consumption.Remaining)

	assert.Equal(t, 1, usage(t, engine).TextGenerations)
	assert.Equal(t, 0, usage(t, engine).ImageGenerations)
}

func TestService_DeniedQuotesLimit(t *testing.T) {
	provider := &fakeProvider{}
	svc, _ := newService(t, provider)
	ctx := context.Background()

	_, err := svc.Image(ctx, alice, generate.Request{Prompt: "fox"})
	require.NoError(t, err)

	_, err = svc.Image(ctx, alice, generate.Request{Prompt: "fox"})
	require.Error(t, err)
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)

	var denied *generate.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, quota.GenerationImage, denied.Type)
	assert.Equal(t, quota.TierFree, denied.Tier)
	assert.Equal(t, 1, denied.Limit)
	assert.Contains(t, err.Error(), "1 per day")
	assert.Equal(t, 1, provider.calls, "denied request must not reach the provider")
}

func TestService_ProviderFailureDoesNotConsume(t *testing.T) {
	provider := &fakeProvider{err: errors.New("upstream 500")}
	svc, engine := newService(t, provider)

	_, err := svc.Text(context.Background(), alice, generate.Request{Prompt: "hello"})
	require.Error(t, err)
	assert.Equal(t, 0, usage(t, engine).TextGenerations)
}

func TestService_AbortedRequestDoesNotConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &fakeProvider{cancel: cancel}
	svc, engine := newService(t, provider)

	_, err := svc.Text(ctx, alice, generate.Request{Prompt: "hello"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, usage(t, engine).TextGenerations)
}

func TestService_SpeechIsNotMetered(t *testing.T) {
	provider := &fakeProvider{}
	svc, engine := newService(t, provider)

	for i := 0; i < 5; i++ {
		out, err := svc.Speech(context.Background(), alice, generate.Request{Prompt: "read this"})
		require.NoError(t, err)
		assert.Nil(t, out.Decision)
		assert.Nil(t, out.Consumption)
	}
	assert.Equal(t, 5, provider.calls)

	u := usage(t, engine)
	assert.Equal(t, 0, u.TextGenerations)
	assert.Equal(t, 0, u.ImageGenerations)
}

func TestService_AdminIsNeverDenied(t *testing.T) {
	svc, _ := newService(t, &fakeProvider{})
	for i := 0; i < 5; i++ {
		_, err := svc.Image(context.Background(), admin, generate.Request{Prompt: "fox"})
		require.NoError(t, err)
	}
}

func TestService_RequiresUser(t *testing.T) {
	svc, _ := newService(t, &fakeProvider{})
	_, err := svc.Text(context.Background(), quota.Identity{}, generate.Request{Prompt: "x"})
	assert.ErrorIs(t, err, quota.ErrMissingUserID)
}

func TestService_BlankPromptIsRejectedBeforeQuota(t *testing.T) {
	provider := &fakeProvider{}
	svc, engine := newService(t, provider)

	_, err := svc.Text(context.Background(), alice, generate.Request{Prompt: " \t "})
	assert.ErrorIs(t, err, generate.ErrEmptyPrompt)
	assert.Equal(t, 0, provider.calls)
	assert.Equal(t, 0, usage(t, engine).TextGenerations)
}
