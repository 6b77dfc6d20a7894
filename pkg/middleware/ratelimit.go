package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/platinummonkey/settle/pkg/auth"
	"github.com/platinummonkey/settle/pkg/httputil"
	"github.com/platinummonkey/settle/pkg/observability"
)

// RateLimitConfig defines a fixed-window limit
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
}

// DefaultRateLimitConfig returns default webhook rate limit settings
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 120,
		WindowDuration:    time.Minute,
	}
}

// Decision is the outcome of one limiter check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// Limiter decides whether key may make another request
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RateLimiter is an in-process fixed-window limiter, used when no Redis
// is configured
type RateLimiter struct {
	config *RateLimitConfig
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow implements Limiter
func (rl *RateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.config.WindowDuration {
		w = &window{start: now}
		rl.windows[key] = w
		rl.evictExpired(now)
	}
	w.count++

	return decide(w.count, rl.config, w.start.Add(rl.config.WindowDuration).Sub(now)), nil
}

// evictExpired drops finished windows; called with mu held
func (rl *RateLimiter) evictExpired(now time.Time) {
	if len(rl.windows) < 1024 {
		return
	}
	for k, w := range rl.windows {
		if now.Sub(w.start) >= rl.config.WindowDuration {
			delete(rl.windows, k)
		}
	}
}

func decide(count int, cfg *RateLimitConfig, resetIn time.Duration) Decision {
	remaining := cfg.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= cfg.RequestsPerWindow,
		Limit:     cfg.RequestsPerWindow,
		Remaining: remaining,
		ResetIn:   resetIn,
	}
}

// KeyFunc derives the limiter key for a request
type KeyFunc func(r *http.Request) string

// ClientIPKey keys requests by client IP
func ClientIPKey(r *http.Request) string {
	return "ip:" + auth.ClientIP(r)
}

// RateLimit enforces limiter per key. Limiter errors fail open so a Redis
// outage never blocks gateway deliveries.
func RateLimit(limiter Limiter, key KeyFunc, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.Allow(r.Context(), key(r))
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Warn("rate limiter unavailable, allowing request")
				metrics.RecordRateLimit("error")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				metrics.RecordRateLimit("rejected")
				httputil.WriteTooManyRequests(w, "rate limit exceeded", d.ResetIn)
				return
			}
			metrics.RecordRateLimit("allowed")
			next.ServeHTTP(w, r)
		})
	}
}
