package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/dunning/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns default rate limit settings
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RateLimiter is a per-process token bucket limiter.
type RateLimiter struct {
	config  *RateLimitConfig
	clock   clockwork.Clock
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig, clock clockwork.Clock) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		config:  config,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

func (rl *RateLimiter) every() rate.Limit {
	return rate.Limit(float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := rl.clock.Now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.every(), rl.config.RequestsPerWindow+rl.config.BurstSize)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)
	rl.mu.Unlock()

	d := Decision{
		Allowed:   allowed,
		Limit:     rl.config.RequestsPerWindow,
		Remaining: max(0, int(math.Floor(tokens))),
	}
	if !allowed {
		missing := 1 - tokens
		d.ResetAfter = time.Duration(missing / float64(rl.every()) * float64(time.Second))
	}
	return d, nil
}

// Cleanup drops buckets idle for more than two windows.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	removed := 0
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every window until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := rl.clock.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimitMiddleware provides HTTP rate limiting keyed by principal, falling back to
// client IP for unauthenticated callers.
type RateLimitMiddleware struct {
	limiter  Limiter
	logger   *observability.Logger
	failOpen bool
}

// NewRateLimitMiddleware creates a new rate limit middleware. Limiter errors let the
// request through.
func NewRateLimitMiddleware(limiter Limiter, logger *observability.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RateLimitMiddleware{limiter: limiter, logger: logger, failOpen: true}
}

// SetFailOpen controls whether limiter errors allow (true) or reject (false) requests.
func (m *RateLimitMiddleware) SetFailOpen(enabled bool) {
	m.failOpen = enabled
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rateLimitKey(r)

		d, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			m.logger.WithError(err).WithField("key", key).Warn("Rate limiter unavailable")
			if m.failOpen {
				next.ServeHTTP(w, r)
				return
			}
			errorResponse(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
		if !d.Allowed {
			retryAfter := int(math.Ceil(d.ResetAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after":%d}`, retryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func rateLimitKey(r *http.Request) string {
	if p := GetPrincipal(r); p != nil && p.Subject != "" {
		return "sub:" + p.Subject
	}
	return "ip:" + getClientIP(r)
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
