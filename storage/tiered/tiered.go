// Package tiered provides a Hot/Cold storage adapter: a fast shared store
// (Hot, e.g. Redis) in front of a durable one (Cold, e.g. Postgres).
//
// Subscriptions and limits are read-through and write-through, with Cold as
// the source of truth. Usage is hot-primary: Hot's atomic counter decides,
// and every increment is mirrored to Cold, which keeps the history once Hot
// expires old days. A Hot store that loses today's counters undercounts until
// the day rolls over.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot serves high-frequency reads and the daily counters (e.g., Redis, Memory)
	Hot quota.Storage

	// Cold is the durable source of truth (e.g., Postgres, Firestore)
	Cold quota.Storage

	// AsyncUsageSync mirrors increments to Cold in the background.
	// If false, the mirror write happens before IncrementUsage returns.
	AsyncUsageSync bool

	// SyncBufferSize is the size of the buffered channel for async mirror writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a mirror write fails or is dropped
	AsyncErrorHandler func(error)
}

// Storage implements quota.Storage over a Hot and a Cold store
type Storage struct {
	hot  quota.Storage
	cold quota.Storage
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// mu guards closed so no job is queued once the worker may have drained
	mu     sync.RWMutex
	closed bool
}

var (
	_ quota.Storage    = (*Storage)(nil)
	_ quota.TimeSource = (*Storage)(nil)
)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncUsageSync {
		s.startWorker()
	}
	return s, nil
}

// Close stops the mirror worker after draining queued writes
func (s *Storage) Close() error {
	if s.conf.AsyncUsageSync {
		s.closeOnce.Do(func() {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker applies mirror writes one at a time, in enqueue order
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.run(job)
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) run(job func() error) {
	if err := job(); err != nil {
		s.reportAsync(fmt.Errorf("tiered sync failed: %w", err))
	}
}

func (s *Storage) reportAsync(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// --- Read-Through (Hot → Cold → populate Hot) ---

// GetSubscription reads Hot first and repairs it from Cold on a miss
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*quota.Subscription, error) {
	if sub, err := s.hot.GetSubscription(ctx, userID); err == nil {
		return sub, nil
	}

	sub, err := s.cold.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Cache fill; Cold already answered
	_ = s.hot.SetSubscription(ctx, sub)
	return sub, nil
}

// GetGlobalLimits reads Hot first and repairs it from Cold on a miss
func (s *Storage) GetGlobalLimits(ctx context.Context) (*quota.GlobalLimits, error) {
	if gl, err := s.hot.GetGlobalLimits(ctx); err == nil {
		return gl, nil
	}

	gl, err := s.cold.GetGlobalLimits(ctx)
	if err != nil {
		return nil, err
	}
	_ = s.hot.SetGlobalLimits(ctx, gl)
	return gl, nil
}

// GetUsage reads today's counters from Hot. A zero or failed Hot read falls
// back to Cold, which holds days Hot has already expired.
func (s *Storage) GetUsage(ctx context.Context, userID string, day quota.Day) (*quota.UsageRecord, error) {
	rec, err := s.hot.GetUsage(ctx, userID, day)
	if err == nil && rec != nil && (rec.TextGenerations > 0 || rec.ImageGenerations > 0) {
		return rec, nil
	}

	coldRec, coldErr := s.cold.GetUsage(ctx, userID, day)
	if coldErr != nil {
		if err == nil && rec != nil {
			return rec, nil
		}
		return nil, coldErr
	}
	return coldRec, nil
}

// --- Write-Through (Cold → Hot) ---

// SetSubscription writes Cold, then Hot. A Hot failure is tolerated.
func (s *Storage) SetSubscription(ctx context.Context, sub *quota.Subscription) error {
	if err := s.cold.SetSubscription(ctx, sub); err != nil {
		return err
	}
	_ = s.hot.SetSubscription(ctx, sub)
	return nil
}

// DeleteSubscription deletes from Cold, then Hot. A stale Hot row would
// resurrect the subscription, so a Hot failure here is returned.
func (s *Storage) DeleteSubscription(ctx context.Context, userID string) error {
	if err := s.cold.DeleteSubscription(ctx, userID); err != nil {
		return err
	}
	if err := s.hot.DeleteSubscription(ctx, userID); err != nil {
		return fmt.Errorf("tiered storage: hot delete failed: %w", err)
	}
	return nil
}

// SetGlobalLimits writes Cold, then Hot. A Hot failure is tolerated.
func (s *Storage) SetGlobalLimits(ctx context.Context, gl *quota.GlobalLimits) error {
	if err := s.cold.SetGlobalLimits(ctx, gl); err != nil {
		return err
	}
	_ = s.hot.SetGlobalLimits(ctx, gl)
	return nil
}

// --- Hot-Primary / mirrored to Cold ---

// IncrementUsage increments Hot atomically and mirrors the increment to Cold.
// When Hot is down the increment goes to Cold alone.
func (s *Storage) IncrementUsage(
	ctx context.Context, userID string, day quota.Day, genType quota.GenerationType,
) (*quota.UsageRecord, error) {
	rec, err := s.hot.IncrementUsage(ctx, userID, day, genType)
	if err != nil {
		return s.cold.IncrementUsage(ctx, userID, day, genType)
	}

	if !s.conf.AsyncUsageSync {
		s.mirrorNow(ctx, userID, day, genType)
		return rec, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		// No worker is left to drain the queue
		s.mirrorNow(ctx, userID, day, genType)
		return rec, nil
	}

	select {
	case s.syncQueue <- func() error {
		// Detached so a finished request does not cancel the mirror
		mirrorCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.cold.IncrementUsage(mirrorCtx, userID, day, genType)
		return err
	}:
	default:
		s.reportAsync(errors.New("tiered storage: sync queue full, dropping cold write"))
	}
	return rec, nil
}

// mirrorNow writes the increment to Cold in the caller's goroutine
func (s *Storage) mirrorNow(ctx context.Context, userID string, day quota.Day, genType quota.GenerationType) {
	if _, err := s.cold.IncrementUsage(ctx, userID, day, genType); err != nil {
		s.reportAsync(fmt.Errorf("tiered storage: sync cold write failed: %w", err))
	}
}

// Now prefers the Hot store's clock (usually Redis TIME), then Cold's, then local time
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.hot.(quota.TimeSource); ok {
		if now, err := ts.Now(ctx); err == nil {
			return now, nil
		}
	}
	if ts, ok := s.cold.(quota.TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}
