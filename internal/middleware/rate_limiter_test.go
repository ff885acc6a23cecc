package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLimiter struct {
	counts map[string]int64
	err    error
}

func (f *fakeLimiter) IncrWindow(_ context.Context, key string, _ time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	f.counts[key]++
	return f.counts[key], nil
}

func TestAllowLocalWindow(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{MaxPerWindow: 2, Window: time.Minute})
	ctx := context.Background()

	assert.True(t, rl.Allow(ctx, "1.2.3.4"))
	assert.True(t, rl.Allow(ctx, "1.2.3.4"))
	assert.False(t, rl.Allow(ctx, "1.2.3.4"))

	// A different client has its own window.
	assert.True(t, rl.Allow(ctx, "5.6.7.8"))
}

func TestAllowSharedCounter(t *testing.T) {
	fake := &fakeLimiter{}
	rl := NewRateLimiter(fake, RateLimitConfig{MaxPerWindow: 1, Window: time.Minute})
	ctx := context.Background()

	assert.True(t, rl.Allow(ctx, "1.2.3.4"))
	assert.False(t, rl.Allow(ctx, "1.2.3.4"))
	assert.Equal(t, int64(2), fake.counts["ratelimit:1.2.3.4"])
}

func TestAllowFallsBackWhenRedisDown(t *testing.T) {
	fake := &fakeLimiter{err: context.DeadlineExceeded}
	rl := NewRateLimiter(fake, RateLimitConfig{MaxPerWindow: 1, Window: time.Minute})
	ctx := context.Background()

	assert.True(t, rl.Allow(ctx, "1.2.3.4"))
	assert.False(t, rl.Allow(ctx, "1.2.3.4"))
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{MaxPerWindow: 1, Window: time.Minute})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.RemoteAddr = "10.0.0.9:4431"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded","retry_after_seconds":60}`, rec.Body.String())
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:4431"
	assert.Equal(t, "10.0.0.9", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}
