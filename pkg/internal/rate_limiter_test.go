package internal

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Window(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("1.2.3.4"))
	assert.True(t, limiter.Allow("1.2.3.4"))
	assert.False(t, limiter.Allow("1.2.3.4"))
	assert.True(t, limiter.Allow("5.6.7.8"), "limits are per client")

	now = now.Add(time.Minute + time.Second)
	assert.True(t, limiter.Allow("1.2.3.4"), "a new window starts after expiry")
}

func TestRateLimiter_CleanupPreventsMemoryLeak(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(10, time.Second)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 150; i++ {
		limiter.Allow("10.0.0." + strconv.Itoa(i))
	}
	assert.Equal(t, 150, limiter.Size())

	now = now.Add(2 * time.Second)
	limiter.Cleanup()
	assert.Zero(t, limiter.Size())

	// Size-based cleanup kicks in without an explicit call.
	for i := 0; i < 250; i++ {
		limiter.Allow("172.16.0." + strconv.Itoa(i))
	}
	now = now.Add(2 * time.Second)
	limiter.Allow("192.168.0.1")
	assert.Equal(t, 1, limiter.Size())
}

func TestRateLimiter_Middleware(t *testing.T) {
	var rejected []string
	limiter := NewRateLimiter(1, time.Minute).OnReject(func(ip string) { rejected = append(rejected, ip) })
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.RemoteAddr = "203.0.113.9:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"203.0.113.9"}, rejected)

	var nilLimiter *RateLimiter
	rec = httptest.NewRecorder()
	nilLimiter.Middleware(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:1234"
	assert.Equal(t, "198.51.100.1", GetClientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	assert.Equal(t, "203.0.113.5", GetClientIP(req))
}
