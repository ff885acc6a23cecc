// Package middleware carries the HTTP cross-cutting pieces: the webhook rate
// limiter and request logging.
package middleware

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limiter is the shared-counter backend. infra.Redis satisfies it, which
// makes the limit hold across API instances; when it errors the limiter
// falls back to per-instance windows.
type Limiter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimitConfig defines the webhook ingest thresholds.
type RateLimitConfig struct {
	MaxPerWindow int64
	Window       time.Duration
}

// RateLimiter enforces a fixed-window cap per client IP. Stripe retries
// aggressively when we 500, and a misconfigured forwarder can loop; the cap
// keeps either from saturating ingest.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	redis   Limiter
	cfg     RateLimitConfig
	logger  *log.Logger
}

type window struct {
	count int64
	start time.Time
}

func NewRateLimiter(redis Limiter, cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = 120
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	rl := &RateLimiter{
		windows: make(map[string]*window),
		redis:   redis,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether one more request from key fits the current window.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.redis != nil {
		count, err := rl.redis.IncrWindow(ctx, "ratelimit:"+key, rl.cfg.Window)
		if err == nil {
			if count > rl.cfg.MaxPerWindow {
				rl.logger.Printf("🚫 rate limit exceeded: key=%s count=%d limit=%d", key, count, rl.cfg.MaxPerWindow)
				return false
			}
			return true
		}
		// Redis down; degrade to the local window rather than failing open
		// with no limit at all.
	}
	return rl.allowLocal(key)
}

func (rl *RateLimiter) allowLocal(key string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > rl.cfg.Window {
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	if w.count > rl.cfg.MaxPerWindow {
		rl.logger.Printf("🚫 rate limit exceeded: key=%s count=%d limit=%d", key, w.count, rl.cfg.MaxPerWindow)
		return false
	}
	return true
}

// Middleware enforces the limit keyed by client IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r.Context(), clientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP takes the first X-Forwarded-For hop when a load balancer set one,
// else the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanup drops expired local windows so the map cannot grow unbounded.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, w := range rl.windows {
			if now.Sub(w.start) > 2*rl.cfg.Window {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Stats reports limiter telemetry for the health endpoint.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	backend := "local"
	if rl.redis != nil {
		backend = "redis"
	}
	return map[string]interface{}{
		"backend":        backend,
		"active_windows": len(rl.windows),
		"max_per_window": rl.cfg.MaxPerWindow,
		"window_seconds": int(rl.cfg.Window.Seconds()),
	}
}
