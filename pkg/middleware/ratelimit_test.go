package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
)

func TestRateLimiter_Allow(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(config, clock)
	ctx := context.Background()

	allowedCount := 0
	for i := 0; i < config.RequestsPerWindow+config.BurstSize+5; i++ {
		d, err := limiter.Allow(ctx, "sub:ops")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if d.Allowed {
			allowedCount++
		}
	}

	expected := config.RequestsPerWindow + config.BurstSize
	if allowedCount != expected {
		t.Errorf("Allowed %d requests, want %d", allowedCount, expected)
	}

	d, _ := limiter.Allow(ctx, "sub:ops")
	if d.Allowed || d.ResetAfter <= 0 {
		t.Errorf("exhausted bucket decision = %+v", d)
	}

	// another caller has its own bucket
	if d, _ := limiter.Allow(ctx, "sub:dashboard"); !d.Allowed {
		t.Error("Should allow a different key")
	}

	clock.Advance(time.Second)
	if d, _ := limiter.Allow(ctx, "sub:ops"); !d.Allowed {
		t.Error("Should allow request after refill")
	}
}

func TestRateLimiter_Remaining(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	limiter := NewRateLimiter(config, clockwork.NewFakeClock())

	d, _ := limiter.Allow(context.Background(), "ip:10.0.0.1")
	if d.Remaining != 11 {
		t.Errorf("Remaining = %d, want 11", d.Remaining)
	}
	if d.Limit != 10 {
		t.Errorf("Limit = %d, want 10", d.Limit)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    100 * time.Millisecond,
		BurstSize:         2,
	}
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(config, clock)
	limiter.Allow(context.Background(), "a")
	limiter.Allow(context.Background(), "b")

	clock.Advance(150 * time.Millisecond)
	limiter.Allow(context.Background(), "b")
	clock.Advance(100 * time.Millisecond)

	if removed := limiter.Cleanup(); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	limiter.mu.Lock()
	_, stillThere := limiter.buckets["b"]
	limiter.mu.Unlock()
	if !stillThere {
		t.Error("recently used bucket was removed")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.1:80", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.1:80", "198.51.100.2"},
		{"no port", nil, "unix", "unix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, clockwork.NewFakeClock())
	handler := NewRateLimitMiddleware(limiter, nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(p *Principal) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/summary", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		if p != nil {
			req = req.WithContext(WithPrincipal(req.Context(), p))
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := do(nil); rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rr.Code)
		}
	}
	rr := do(nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("headers = %v", rr.Header())
	}

	// an authenticated caller from the same address is counted separately
	if rr := do(&Principal{Subject: "ops"}); rr.Code != http.StatusOK {
		t.Errorf("principal status = %d, want 200", rr.Code)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, context.DeadlineExceeded
}

func TestRateLimitMiddleware_LimiterErrors(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	m := NewRateLimitMiddleware(failingLimiter{}, nil)

	rr := httptest.NewRecorder()
	m.Handler(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("fail open status = %d, want 200", rr.Code)
	}

	m.SetFailOpen(false)
	rr = httptest.NewRecorder()
	m.Handler(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("fail closed status = %d, want 503", rr.Code)
	}
}

func TestDistributedRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{
		RequestsPerWindow: 3,
		WindowDuration:    time.Minute,
		BurstSize:         1,
	}, "")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		d, err := limiter.Allow(ctx, "sub:ops")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
		if d.Remaining != 3-i {
			t.Errorf("request %d remaining = %d, want %d", i, d.Remaining, 3-i)
		}
	}
	d, err := limiter.Allow(ctx, "sub:ops")
	if err != nil || d.Allowed {
		t.Fatalf("fifth request = %+v, %v; want denied", d, err)
	}
	if d.ResetAfter <= 0 || d.ResetAfter > time.Minute {
		t.Errorf("ResetAfter = %v", d.ResetAfter)
	}
	if !mr.Exists("dunning:ratelimit:sub:ops") {
		t.Error("expected counter key with default prefix")
	}

	mr.FastForward(time.Minute + time.Second)
	if d, _ := limiter.Allow(ctx, "sub:ops"); !d.Allowed {
		t.Error("window should have reset")
	}

	if err := limiter.Reset(ctx, "sub:ops"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := limiter.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	mr.Close()
	if _, err := limiter.Allow(ctx, "sub:ops"); err == nil {
		t.Error("expected error once redis is gone")
	}
}
