package internal

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window, per-client-IP limiter for webhook endpoints
type RateLimiter struct {
	mu           sync.Mutex
	requests     map[string]*bucket
	limit        int
	window       time.Duration
	requestCount int
	cleanupEvery int
	maxKeys      int
	now          func() time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter allows limit requests per key per window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests:     make(map[string]*bucket),
		limit:        limit,
		window:       window,
		cleanupEvery: 100,
		maxKeys:      200,
		now:          time.Now,
	}
}

// Allow reports whether a request for key fits in the current window
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	// Expired buckets are swept every cleanupEvery requests or when the map grows
	rl.requestCount++
	if rl.requestCount >= rl.cleanupEvery || len(rl.requests) > rl.maxKeys {
		rl.sweep(now)
		rl.requestCount = 0
	}

	b, ok := rl.requests[key]
	if !ok || !now.Before(b.resetAt) {
		rl.requests[key] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true
	}
	if b.count >= rl.limit {
		return false
	}
	b.count++
	return true
}

// Len returns the number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.requests)
}

func (rl *RateLimiter) sweep(now time.Time) {
	for key, b := range rl.requests {
		if !now.Before(b.resetAt) {
			delete(rl.requests, key)
		}
	}
}

// Middleware answers 429 once a client IP is over the limit
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the first X-Forwarded-For hop, or RemoteAddr
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip, _, _ := strings.Cut(xff, ","); strings.TrimSpace(ip) != "" {
			return strings.TrimSpace(ip)
		}
	}
	return r.RemoteAddr
}
