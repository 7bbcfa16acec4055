package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter provides simple in-memory fixed-window rate limiting per
// client IP for the purchase and webhook endpoints.
type RateLimiter struct {
	mu            sync.Mutex
	requests      map[string]*bucket
	limit         int           // max requests per window
	window        time.Duration // time window
	requestCount  int           // counter for deterministic cleanup
	cleanupEvery  int           // cleanup every N requests (default: 100)
	cleanupAtSize int           // cleanup when map size exceeds this (default: 200)
	now           func() time.Time
	onReject      func(ip string)
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a new rate limiter with the specified limit and window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests:      make(map[string]*bucket),
		limit:         limit,
		window:        window,
		cleanupEvery:  100,
		cleanupAtSize: 200,
		now:           time.Now,
	}
}

// OnReject registers a callback for rejected requests, typically a log line.
func (rl *RateLimiter) OnReject(fn func(ip string)) *RateLimiter {
	rl.onReject = fn
	return rl
}

// Allow reports whether a request from ip fits in the current window.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.requests) > rl.cleanupAtSize {
		rl.cleanupExpired(now)
		if rl.requestCount >= rl.cleanupEvery*10 {
			rl.requestCount = 0
		}
	}

	b, exists := rl.requests[ip]
	if !exists || now.After(b.resetAt) {
		rl.requests[ip] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true
	}
	if b.count >= rl.limit {
		return false
	}
	b.count++
	return true
}

func (rl *RateLimiter) cleanupExpired(now time.Time) {
	for ip, b := range rl.requests {
		if now.After(b.resetAt) {
			delete(rl.requests, ip)
		}
	}
}

// Cleanup removes all expired entries from the rate limiter.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupExpired(rl.now())
}

// Size returns the number of tracked clients.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.requests)
}

// Middleware wraps an HTTP handler with rate limiting. A nil limiter
// returns next unchanged.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := GetClientIP(r)
		if !rl.Allow(ip) {
			if rl.onReject != nil {
				rl.onReject(ip)
			}
			w.Header().Set("Retry-After", retryAfter(rl.window))
			_ = WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfter(window time.Duration) string {
	secs := int(window.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// GetClientIP extracts the client IP address from the request.
// X-Forwarded-For wins when present; otherwise the port is stripped from RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
