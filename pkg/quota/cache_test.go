package quota_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

func TestLRUCache_Limits(t *testing.T) {
	cache := quota.NewLRUCache(10)

	if _, ok := cache.GetLimits(); ok {
		t.Fatal("Expected miss on empty cache")
	}

	gl := configuredLimits()
	cache.SetLimits(gl, time.Minute)
	*gl.FreeTextLimit = 500

	got, ok := cache.GetLimits()
	if !ok {
		t.Fatal("Expected hit")
	}
	if *got.FreeTextLimit != 10 {
		t.Errorf("Expected cached copy to be isolated, got %d", *got.FreeTextLimit)
	}

	cache.InvalidateLimits()
	if _, ok := cache.GetLimits(); ok {
		t.Error("Expected miss after invalidation")
	}

	stats := cache.Stats()
	if stats.LimitsHits != 1 || stats.LimitsMisses != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestLRUCache_CachesAbsence(t *testing.T) {
	cache := quota.NewLRUCache(10)

	cache.SetLimits(nil, time.Minute)
	gl, ok := cache.GetLimits()
	if !ok || gl != nil {
		t.Errorf("Expected cached absent row, got %v %v", gl, ok)
	}

	cache.SetSubscription("user1", nil, time.Minute)
	sub, ok := cache.GetSubscription("user1")
	if !ok || sub != nil {
		t.Errorf("Expected cached absent subscription, got %v %v", sub, ok)
	}
}

func TestLRUCache_Expiry(t *testing.T) {
	cache := quota.NewLRUCache(10)
	cache.SetSubscription("user1", &quota.Subscription{UserID: "user1", Tier: quota.TierPro}, 10*time.Millisecond)

	if _, ok := cache.GetSubscription("user1"); !ok {
		t.Fatal("Expected hit before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := cache.GetSubscription("user1"); ok {
		t.Error("Expected miss after expiry")
	}
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := quota.NewLRUCache(3)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("user%d", i)
		cache.SetSubscription(id, &quota.Subscription{UserID: id, Tier: quota.TierPro}, time.Minute)
	}

	time.Sleep(time.Millisecond)
	// touch user0 so user1 becomes the oldest
	if _, ok := cache.GetSubscription("user0"); !ok {
		t.Fatal("Expected user0 cached")
	}

	cache.SetSubscription("user3", &quota.Subscription{UserID: "user3", Tier: quota.TierPro}, time.Minute)

	if _, ok := cache.GetSubscription("user1"); ok {
		t.Error("Expected user1 evicted")
	}
	for _, id := range []string{"user0", "user2", "user3"} {
		if _, ok := cache.GetSubscription(id); !ok {
			t.Errorf("Expected %s cached", id)
		}
	}
	if cache.Stats().Evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", cache.Stats().Evictions)
	}
}

func TestLRUCache_SubscriptionCopies(t *testing.T) {
	cache := quota.NewLRUCache(10)
	exp := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	sub := &quota.Subscription{UserID: "user1", Tier: quota.TierPro, ExpiresAt: &exp}
	cache.SetSubscription("user1", sub, time.Minute)

	want := exp
	*sub.ExpiresAt = exp.Add(-time.Hour * 24 * 365)

	got, _ := cache.GetSubscription("user1")
	if !got.ExpiresAt.Equal(want) {
		t.Errorf("Expected cached expiry %v, got %v", want, got.ExpiresAt)
	}
}

func TestLRUCache_Clear(t *testing.T) {
	cache := quota.NewLRUCache(10)
	cache.SetLimits(configuredLimits(), time.Minute)
	cache.SetSubscription("user1", nil, time.Minute)

	if cache.Stats().Size != 2 {
		t.Errorf("Expected size 2, got %d", cache.Stats().Size)
	}
	cache.Clear()
	if cache.Stats().Size != 0 {
		t.Errorf("Expected size 0 after clear, got %d", cache.Stats().Size)
	}
}

func TestNoopCache(t *testing.T) {
	cache := quota.NewNoopCache()
	cache.SetLimits(configuredLimits(), time.Minute)
	if _, ok := cache.GetLimits(); ok {
		t.Error("Expected noop cache to never hit")
	}
	cache.SetSubscription("user1", nil, time.Minute)
	if _, ok := cache.GetSubscription("user1"); ok {
		t.Error("Expected noop cache to never hit")
	}
}
