package quota

import (
	"strings"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "zero config", config: Config{}},
		{
			name:    "negative ledger timeout",
			config:  Config{LedgerWriteTimeout: -time.Second},
			wantErr: "ledgerWriteTimeout",
		},
		{
			name:    "negative limits TTL",
			config:  Config{CacheConfig: &CacheConfig{Enabled: true, LimitsTTL: -1}},
			wantErr: "cacheConfig.limitsTTL",
		},
		{
			name:    "negative subscription TTL",
			config:  Config{CacheConfig: &CacheConfig{SubscriptionTTL: -1}},
			wantErr: "cacheConfig.subscriptionTTL",
		},
		{
			name:    "negative cache size",
			config:  Config{CacheConfig: &CacheConfig{MaxSubscriptions: -1}},
			wantErr: "cacheConfig.maxSubscriptions",
		},
		{
			name:    "negative failure threshold",
			config:  Config{CircuitBreakerConfig: &CircuitBreakerConfig{FailureThreshold: -1}},
			wantErr: "circuitBreakerConfig.failureThreshold",
		},
		{
			name:    "negative reset timeout",
			config:  Config{CircuitBreakerConfig: &CircuitBreakerConfig{ResetTimeout: -time.Second}},
			wantErr: "circuitBreakerConfig.resetTimeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	c := Config{
		CacheConfig:          &CacheConfig{Enabled: true},
		CircuitBreakerConfig: &CircuitBreakerConfig{Enabled: true},
	}
	c.applyDefaults()

	if c.Clock == nil || c.Logger == nil || c.Metrics == nil {
		t.Fatal("Expected clock, logger and metrics defaults")
	}
	if c.LedgerWriteTimeout != defaultLedgerWriteTimeout {
		t.Errorf("Expected ledger timeout %s, got %s", defaultLedgerWriteTimeout, c.LedgerWriteTimeout)
	}
	if c.CacheConfig.LimitsTTL != defaultLimitsTTL || c.CacheConfig.SubscriptionTTL != defaultSubscriptionTTL {
		t.Errorf("Unexpected cache TTLs: %+v", c.CacheConfig)
	}
	if c.CacheConfig.MaxSubscriptions != defaultMaxSubscriptions {
		t.Errorf("Expected max subscriptions %d, got %d", defaultMaxSubscriptions, c.CacheConfig.MaxSubscriptions)
	}
	if c.CircuitBreakerConfig.FailureThreshold != defaultFailureThreshold ||
		c.CircuitBreakerConfig.ResetTimeout != defaultResetTimeout {
		t.Errorf("Unexpected breaker defaults: %+v", c.CircuitBreakerConfig)
	}

	// explicit values are kept
	c = Config{LedgerWriteTimeout: time.Second}
	c.applyDefaults()
	if c.LedgerWriteTimeout != time.Second {
		t.Errorf("Expected explicit timeout kept, got %s", c.LedgerWriteTimeout)
	}
}
