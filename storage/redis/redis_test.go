package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

const testDay = quota.Day("2026-03-14")

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)
	return storage
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	_, err = New(client, Config{UsageTTL: -time.Second})
	assert.Error(t, err)

	storage, err := New(client, Config{})
	require.NoError(t, err)
	assert.Equal(t, "zarahub:", storage.config.KeyPrefix)
}

func TestStorage_Keys(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	storage, err := New(client, Config{KeyPrefix: "test:"})
	require.NoError(t, err)

	assert.Equal(t, "test:sub:alice", storage.subscriptionKey("alice"))
	assert.Equal(t, "test:global_limits", storage.limitsKey())
	assert.Equal(t, "test:usage:alice:2026-03-14", storage.usageKey("alice", testDay))
}

func TestParseCounter(t *testing.T) {
	n, err := parseCounter(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = parseCounter("42")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = parseCounter(int64(7))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = parseCounter("seven")
	assert.Error(t, err)
	_, err = parseCounter(3.5)
	assert.Error(t, err)
}

func TestStorage_Subscription(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.GetSubscription(ctx, "user1")
	assert.True(t, errors.Is(err, quota.ErrSubscriptionNotFound))

	expires := time.Date(2026, 4, 14, 0, 0, 0, 0, time.UTC)
	require.NoError(t, storage.SetSubscription(ctx, &quota.Subscription{
		UserID: "user1", Tier: quota.TierPro, ExpiresAt: &expires,
	}))

	sub, err := storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, quota.TierPro, sub.Tier)
	require.NotNil(t, sub.ExpiresAt)
	assert.True(t, sub.ExpiresAt.Equal(expires))

	require.NoError(t, storage.DeleteSubscription(ctx, "user1"))
	_, err = storage.GetSubscription(ctx, "user1")
	assert.ErrorIs(t, err, quota.ErrSubscriptionNotFound)

	assert.ErrorIs(t, storage.SetSubscription(ctx, &quota.Subscription{UserID: "user1"}), quota.ErrInvalidSubscription)
}

func TestStorage_GlobalLimits(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.GetGlobalLimits(ctx)
	assert.ErrorIs(t, err, quota.ErrLimitsNotFound)

	require.NoError(t, storage.SetGlobalLimits(ctx, &quota.GlobalLimits{
		FreeTextLimit:    quota.Int(10),
		ProImageLimit:    quota.Int(0),
		TextLimitEnabled: true,
	}))

	gl, err := storage.GetGlobalLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, *gl.FreeTextLimit)
	assert.Equal(t, 0, *gl.ProImageLimit)
	assert.Nil(t, gl.FreeImageLimit)
	assert.True(t, gl.TextLimitEnabled)
	assert.False(t, gl.ImageLimitEnabled)
}

func TestStorage_Usage(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	rec, err := storage.GetUsage(ctx, "user1", testDay)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.TextGenerations)
	assert.Equal(t, 0, rec.ImageGenerations)

	rec, err = storage.IncrementUsage(ctx, "user1", testDay, quota.GenerationImage)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.TextGenerations)
	assert.Equal(t, 1, rec.ImageGenerations)

	rec, err = storage.IncrementUsage(ctx, "user1", testDay, quota.GenerationText)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TextGenerations)
	assert.Equal(t, 1, rec.ImageGenerations)

	stored, err := storage.GetUsage(ctx, "user1", testDay)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TextGenerations)
	assert.Equal(t, 1, stored.ImageGenerations)
	assert.False(t, stored.UpdatedAt.IsZero())

	next, err := storage.GetUsage(ctx, "user1", testDay.Add(1))
	require.NoError(t, err)
	assert.Equal(t, 0, next.TextGenerations)

	_, err = storage.IncrementUsage(ctx, "user1", testDay, quota.GenerationType(0))
	assert.ErrorIs(t, err, quota.ErrInvalidGenerationType)
}

func TestStorage_IncrementUsage_Concurrent(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := storage.IncrementUsage(ctx, "user1", testDay, quota.GenerationText); err != nil {
				t.Errorf("IncrementUsage failed: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := storage.GetUsage(ctx, "user1", testDay)
	require.NoError(t, err)
	assert.Equal(t, n, rec.TextGenerations)
}

func TestStorage_UsageTTL(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	storage, err := New(client, Config{UsageTTL: time.Hour})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = storage.IncrementUsage(ctx, "user1", testDay, quota.GenerationText)
	require.NoError(t, err)

	ttl, err := client.TTL(ctx, storage.usageKey("user1", testDay)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
}

func TestStorage_Now(t *testing.T) {
	storage := setupTestStorage(t)

	serverTime, err := storage.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.UTC, serverTime.Location())

	diff := time.Since(serverTime)
	if diff < 0 {
		diff = -diff
	}
	assert.Less(t, diff, 5*time.Second, "Server time should be close to local time")
}
