// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Storage backends
const (
	StorageMemory    = "memory"
	StoragePostgres  = "postgres"
	StorageRedis     = "redis"
	StorageFirestore = "firestore"
	StorageTiered    = "tiered" // redis in front of postgres
)

type Config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	Env       string `envconfig:"APP_ENV" default:"development"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`
	JWTAud    string `envconfig:"JWT_AUDIENCE"`
	AdminRole string `envconfig:"ADMIN_ROLE" default:"admin"`

	// Storage settings
	Storage          string        `envconfig:"STORAGE" default:"memory"`
	DatabaseURL      string        `envconfig:"DATABASE_URL"`
	DBMaxConns       int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	DBAutoMigrate    bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`
	RedisAddr        string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword    string        `envconfig:"REDIS_PASSWORD"`
	RedisDB          int           `envconfig:"REDIS_DB" default:"0"`
	RedisUsageTTL    time.Duration `envconfig:"REDIS_USAGE_TTL" default:"0s"`
	FirestoreProject string        `envconfig:"FIRESTORE_PROJECT_ID"`
	TieredAsyncSync  bool          `envconfig:"TIERED_ASYNC_SYNC" default:"true"`

	// Engine settings
	CacheEnabled         bool          `envconfig:"CACHE_ENABLED" default:"true"`
	LimitsCacheTTL       time.Duration `envconfig:"LIMITS_CACHE_TTL" default:"30s"`
	SubscriptionCacheTTL time.Duration `envconfig:"SUBSCRIPTION_CACHE_TTL" default:"1m"`
	BreakerEnabled       bool          `envconfig:"CIRCUIT_BREAKER_ENABLED" default:"true"`
	BreakerThreshold     int           `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5"`
	BreakerResetTimeout  time.Duration `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30s"`
	FailOpenOnUsageError bool          `envconfig:"FAIL_OPEN_ON_USAGE_ERROR" default:"false"`
	UseStorageTime       bool          `envconfig:"USE_STORAGE_TIME" default:"false"`
	UsageRetentionDays   int           `envconfig:"USAGE_RETENTION_DAYS" default:"0"`

	// Generation backends
	TextURL         string        `envconfig:"GENERATE_TEXT_URL"`
	ImageURL        string        `envconfig:"GENERATE_IMAGE_URL"`
	SpeechURL       string        `envconfig:"GENERATE_SPEECH_URL"`
	GenerateAPIKey  string        `envconfig:"GENERATE_API_KEY"`
	GenerateTimeout time.Duration `envconfig:"GENERATE_TIMEOUT" default:"2m"`

	// Billing settings
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeTierMapping   string `envconfig:"STRIPE_TIER_MAPPING"`
}

// Load reads an optional .env file, then the environment
func Load(files ...string) (*Config, error) {
	// A missing .env is normal outside local development
	_ = godotenv.Load(files...)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements envconfig cannot express
func (c *Config) Validate() error {
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
	switch c.Storage {
	case StorageMemory, StorageRedis:
	case StoragePostgres, StorageTiered:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for %s storage", c.Storage)
		}
	case StorageFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required for firestore storage")
		}
	default:
		return fmt.Errorf("unknown STORAGE %q", c.Storage)
	}
	if c.UsageRetentionDays < 0 {
		return fmt.Errorf("USAGE_RETENTION_DAYS must be >= 0, got %d", c.UsageRetentionDays)
	}
	if c.StripeWebhookSecret != "" && c.StripeTierMapping == "" {
		return fmt.Errorf("STRIPE_TIER_MAPPING is required when STRIPE_WEBHOOK_SECRET is set")
	}
	return nil
}

// IsDevelopment reports whether the server runs locally
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// GenerationEnabled reports whether any generation backend is configured
func (c *Config) GenerationEnabled() bool {
	return c.TextURL != "" || c.ImageURL != "" || c.SpeechURL != ""
}
