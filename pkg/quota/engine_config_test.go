package quota_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/zarahub/pkg/quota"
	"github.com/mihaimyh/zarahub/storage/memory"
)

func TestNewEngine_DoesNotMutateCallerConfig(t *testing.T) {
	cache := &quota.CacheConfig{Enabled: true}
	breaker := &quota.CircuitBreakerConfig{Enabled: true}

	_, err := quota.NewEngine(memory.New(), quota.Config{CacheConfig: cache, CircuitBreakerConfig: breaker})
	require.NoError(t, err)

	assert.Equal(t, quota.CacheConfig{Enabled: true}, *cache)
	assert.Equal(t, quota.CircuitBreakerConfig{Enabled: true}, *breaker)
}
