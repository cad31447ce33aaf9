package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/auth"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func limitedRouter(cfgs map[string]RateLimitInfo) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.Middleware(auth.JWTCfg{DevMode: true}))
	for route, cfg := range cfgs {
		r.With(RateLimitMiddleware(cfg)).Post(route, okHandler)
	}
	return r
}

func hit(t *testing.T, router http.Handler, route, actor string) int {
	t.Helper()
	req := httptest.NewRequest("POST", route, nil)
	req.Header.Set("X-Debug-Sub", actor)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimitersAreIsolatedPerRoute(t *testing.T) {
	t.Cleanup(ResetAllRateLimiters)

	cfg := RateLimitInfo{WindowMs: 60_000, MaxRequests: 1}
	router := limitedRouter(map[string]RateLimitInfo{
		"/pull": cfg,
		"/push": cfg,
	})

	// Same actor on both routes: the second route has its own counter, so
	// only the repeat on /push trips the limit.
	assert.Equal(t, 200, hit(t, router, "/pull", "u1"))
	assert.Equal(t, 200, hit(t, router, "/push", "u1"))
	assert.Equal(t, 429, hit(t, router, "/push", "u1"))
}

func TestRateLimitKeysAreIndependent(t *testing.T) {
	t.Cleanup(ResetAllRateLimiters)

	router := limitedRouter(map[string]RateLimitInfo{
		"/pull": {WindowMs: 60_000, MaxRequests: 1},
	})

	assert.Equal(t, 200, hit(t, router, "/pull", "u1"))
	assert.Equal(t, 200, hit(t, router, "/pull", "u2"))
	assert.Equal(t, 429, hit(t, router, "/pull", "u1"))
}

func TestRateLimit429Headers(t *testing.T) {
	t.Cleanup(ResetAllRateLimiters)

	router := limitedRouter(map[string]RateLimitInfo{
		"/pull": {WindowMs: 60_000, MaxRequests: 1},
	})

	req := httptest.NewRequest("POST", "/pull", nil)
	req.Header.Set("X-Debug-Sub", "u1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 429, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	rl := NewRateLimiter(RateLimitInfo{WindowMs: 1000, MaxRequests: 1})
	t.Cleanup(ResetAllRateLimiters)

	now := time.Now()
	rl.now = func() time.Time { return now }

	allowed, _, _ := rl.Allow("u1")
	require.True(t, allowed)
	allowed, _, _ = rl.Allow("u1")
	require.False(t, allowed)

	// Advance past the window: counting starts over.
	now = now.Add(1100 * time.Millisecond)
	allowed, remaining, _ := rl.Allow("u1")
	assert.True(t, allowed)
	assert.Equal(t, 0, remaining)
}

func TestResetHookClearsCounters(t *testing.T) {
	rl := NewRateLimiter(RateLimitInfo{WindowMs: 60_000, MaxRequests: 1})
	t.Cleanup(ResetAllRateLimiters)

	allowed, _, _ := rl.Allow("u1")
	require.True(t, allowed)
	allowed, _, _ = rl.Allow("u1")
	require.False(t, allowed)

	ResetAllRateLimiters()

	allowed, _, _ = rl.Allow("u1")
	assert.True(t, allowed)
}
