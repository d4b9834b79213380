package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"geohub/gateway/auth"
)

func limitedHandler(limiter *RateLimiter, class string) http.Handler {
	return limiter.Middleware(class)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func authedRequest(path, pid string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if pid != "" {
		ctx := context.WithValue(req.Context(), ContextKeyIdentity, auth.Identity{
			PID:  pid,
			Role: auth.RoleParticipant,
		})
		req = req.WithContext(ctx)
	}
	return req
}

func serve(handler http.Handler, req *http.Request) int {
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res.Code
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"api": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	handler := limitedHandler(limiter, "api")

	req := authedRequest("/v1/payments", "GEOalice")
	if code := serve(handler, req); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := serve(handler, req); code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d, want 429", code)
	}
}

func TestRateLimiterKeysByParticipant(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"api": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	handler := limitedHandler(limiter, "api")

	if code := serve(handler, authedRequest("/v1/payments", "GEOalice")); code != http.StatusOK {
		t.Fatalf("alice first request: %d", code)
	}
	if code := serve(handler, authedRequest("/v1/payments", "GEOalice")); code != http.StatusTooManyRequests {
		t.Fatalf("alice over burst: %d, want 429", code)
	}
	// One caller exhausting their budget must not throttle another.
	if code := serve(handler, authedRequest("/v1/payments", "GEObob")); code != http.StatusOK {
		t.Fatalf("bob blocked by alice's budget: %d", code)
	}
}

func TestRateLimiterSeparatesRequestClasses(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"auth": {RequestsPerMinute: 60, Burst: 1},
		"api":  {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	apiHandler := limitedHandler(limiter, "api")
	authHandler := limitedHandler(limiter, "auth")

	if code := serve(apiHandler, authedRequest("/v1/payments", "GEOalice")); code != http.StatusOK {
		t.Fatalf("api request: %d", code)
	}
	if code := serve(apiHandler, authedRequest("/v1/payments", "GEOalice")); code != http.StatusTooManyRequests {
		t.Fatalf("api over burst: %d, want 429", code)
	}
	if code := serve(authHandler, authedRequest("/v1/auth/challenge", "GEOalice")); code != http.StatusOK {
		t.Fatalf("auth class throttled by api budget: %d", code)
	}
}

func TestRateLimiterFallsBackToRemoteAddr(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"auth": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	handler := limitedHandler(limiter, "auth")

	first := httptest.NewRequest(http.MethodPost, "/v1/auth/challenge", nil)
	first.RemoteAddr = "10.0.0.1:40000"
	if code := serve(handler, first); code != http.StatusOK {
		t.Fatalf("first anonymous request: %d", code)
	}
	if code := serve(handler, first); code != http.StatusTooManyRequests {
		t.Fatalf("same address over burst: %d, want 429", code)
	}
	other := httptest.NewRequest(http.MethodPost, "/v1/auth/challenge", nil)
	other.RemoteAddr = "10.0.0.2:40000"
	if code := serve(handler, other); code != http.StatusOK {
		t.Fatalf("distinct address blocked: %d", code)
	}
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	// A refill rate well under one token per sweep interval keeps the burst
	// accounting observable across sweeps.
	limiter := NewRateLimiter(map[string]RateLimit{
		"api": {RequestsPerMinute: 0.5, Burst: 1},
	}, nil)
	now := time.Now()
	limiter.clockNow = func() time.Time { return now }
	handler := limitedHandler(limiter, "api")

	if code := serve(handler, authedRequest("/v1/payments", "GEOalice")); code != http.StatusOK {
		t.Fatalf("alice request: %d", code)
	}
	if len(limiter.visitors) != 1 {
		t.Fatalf("visitors: %d, want 1", len(limiter.visitors))
	}

	// Alice goes idle past the TTL; bob's request triggers the sweep.
	now = now.Add(visitorIdleTTL + sweepEvery)
	if code := serve(handler, authedRequest("/v1/payments", "GEObob")); code != http.StatusOK {
		t.Fatalf("bob request: %d", code)
	}
	if len(limiter.visitors) != 1 {
		t.Fatalf("idle bucket survived the sweep: %d entries", len(limiter.visitors))
	}
	if _, ok := limiter.visitors["api|pid:GEObob"]; !ok {
		t.Fatalf("active bucket swept")
	}

	// A bucket that stays in use is never reclaimed.
	now = now.Add(sweepEvery)
	if code := serve(handler, authedRequest("/v1/payments", "GEObob")); code != http.StatusTooManyRequests {
		t.Fatalf("bob's burst state lost across sweep: %d", code)
	}
}
