package quota_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/zarahub/pkg/quota"
	"github.com/mihaimyh/zarahub/storage/memory"
)

var (
	testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	admin   = quota.Identity{UserID: "admin-1", IsAdmin: true}
	alice   = quota.Identity{UserID: "alice"}
	bob     = quota.Identity{UserID: "bob"}
)

// testClock is a settable clock shared by an engine under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, opts ...func(*quota.Config)) (*quota.Engine, *memory.Storage, *testClock) {
	t.Helper()
	storage := memory.New()
	clock := newTestClock(testNow)
	config := quota.Config{Clock: clock}
	for _, opt := range opts {
		opt(&config)
	}
	engine, err := quota.NewEngine(storage, config)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine, storage, clock
}

func setLimits(t *testing.T, engine *quota.Engine, gl *quota.GlobalLimits) {
	t.Helper()
	if err := engine.SetGlobalLimits(context.Background(), admin, gl); err != nil {
		t.Fatalf("SetGlobalLimits failed: %v", err)
	}
}

func consumeN(t *testing.T, engine *quota.Engine, id quota.Identity, genType quota.GenerationType, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		res, err := engine.Consume(context.Background(), id, genType)
		if err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if !res.Recorded {
			t.Fatalf("Consume %d was not recorded", i)
		}
	}
}

// faultyStorage wraps a real storage and fails chosen operations on demand
type faultyStorage struct {
	quota.Storage

	mu    sync.Mutex
	errs  map[string]error
	calls map[string]int
}

func newFaultyStorage(inner quota.Storage) *faultyStorage {
	return &faultyStorage{
		Storage: inner,
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (s *faultyStorage) failOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[op] = err
}

func (s *faultyStorage) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *faultyStorage) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.errs[op]
}

func (s *faultyStorage) GetSubscription(ctx context.Context, userID string) (*quota.Subscription, error) {
	if err := s.enter("get_subscription"); err != nil {
		return nil, err
	}
	return s.Storage.GetSubscription(ctx, userID)
}

func (s *faultyStorage) SetSubscription(ctx context.Context, sub *quota.Subscription) error {
	if err := s.enter("set_subscription"); err != nil {
		return err
	}
	return s.Storage.SetSubscription(ctx, sub)
}

func (s *faultyStorage) DeleteSubscription(ctx context.Context, userID string) error {
	if err := s.enter("delete_subscription"); err != nil {
		return err
	}
	return s.Storage.DeleteSubscription(ctx, userID)
}

func (s *faultyStorage) GetGlobalLimits(ctx context.Context) (*quota.GlobalLimits, error) {
	if err := s.enter("get_global_limits"); err != nil {
		return nil, err
	}
	return s.Storage.GetGlobalLimits(ctx)
}

func (s *faultyStorage) SetGlobalLimits(ctx context.Context, gl *quota.GlobalLimits) error {
	if err := s.enter("set_global_limits"); err != nil {
		return err
	}
	return s.Storage.SetGlobalLimits(ctx, gl)
}

func (s *faultyStorage) GetUsage(ctx context.Context, userID string, day quota.Day) (*quota.UsageRecord, error) {
	if err := s.enter("get_usage"); err != nil {
		return nil, err
	}
	return s.Storage.GetUsage(ctx, userID, day)
}

func (s *faultyStorage) IncrementUsage(
	ctx context.Context, userID string, day quota.Day, genType quota.GenerationType,
) (*quota.UsageRecord, error) {
	if err := s.enter("increment_usage"); err != nil {
		return nil, err
	}
	return s.Storage.IncrementUsage(ctx, userID, day, genType)
}

// recordingMetrics captures fallback and state-change events
type recordingMetrics struct {
	quota.NoopMetrics

	mu           sync.Mutex
	fallbacks    []string
	states       []string
	consumptions map[bool]int
}

func (m *recordingMetrics) RecordFallback(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, reason)
}

func (m *recordingMetrics) RecordCircuitBreakerStateChange(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *recordingMetrics) RecordConsumption(_, _ string, recorded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumptions == nil {
		m.consumptions = make(map[bool]int)
	}
	m.consumptions[recorded]++
}

func (m *recordingMetrics) hasFallback(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.fallbacks {
		if f == reason {
			return true
		}
	}
	return false
}
