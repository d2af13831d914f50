package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 30*time.Second, cfg.LimitsCacheTTL)
	assert.Equal(t, 2*time.Minute, cfg.GenerateTimeout)
	assert.False(t, cfg.GenerationEnabled())
}

func TestLoad_RequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	os.Unsetenv("JWT_SECRET")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("STORAGE", "")
	os.Unsetenv("STORAGE")
	t.Setenv("USAGE_RETENTION_DAYS", "")
	os.Unsetenv("USAGE_RETENTION_DAYS")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STORAGE=Redis\nJWT_SECRET=from-file\nUSAGE_RETENTION_DAYS=30\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("STORAGE")
		os.Unsetenv("USAGE_RETENTION_DAYS")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StorageRedis, cfg.Storage)
	assert.Equal(t, 30, cfg.UsageRetentionDays)
	// the environment wins over the file
	assert.Equal(t, "from-env", cfg.JWTSecret)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "memory", config: Config{Storage: "memory"}},
		{name: "postgres without url", config: Config{Storage: "postgres"}, wantErr: true},
		{name: "postgres", config: Config{Storage: "postgres", DatabaseURL: "postgres://localhost/zarahub"}},
		{name: "tiered without url", config: Config{Storage: "tiered"}, wantErr: true},
		{name: "firestore without project", config: Config{Storage: "firestore"}, wantErr: true},
		{name: "unknown storage", config: Config{Storage: "sqlite"}, wantErr: true},
		{name: "negative retention", config: Config{Storage: "memory", UsageRetentionDays: -1}, wantErr: true},
		{name: "webhook without mapping", config: Config{Storage: "memory", StripeWebhookSecret: "whsec"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
