package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftline/driftline/internal/auth"
)

// RateLimitInfo configures one route's fixed-window limiter.
type RateLimitInfo struct {
	WindowMs    int64 // window length in milliseconds
	MaxRequests int   // requests allowed per window per key
}

// DefaultRateLimit is generous enough for an aggressive sync loop while
// still stopping runaway clients.
var DefaultRateLimit = RateLimitInfo{WindowMs: 60_000, MaxRequests: 600}

// window is one (route, key) counter.
type window struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window counter keyed by caller. Every limiter owns
// its own map: two routes sharing a key generator still count independently.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	config  RateLimitInfo
	now     func() time.Time
}

// NewRateLimiter creates an isolated limiter.
func NewRateLimiter(config RateLimitInfo) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*window),
		config:  config,
		now:     time.Now,
	}
	allLimiters.register(rl)
	return rl
}

// Allow counts one request for key. Returns whether it is admitted, how many
// requests remain in the window, and when the window resets.
func (rl *RateLimiter) Allow(key string) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	win, ok := rl.windows[key]
	if !ok || now.Sub(win.start).Milliseconds() >= rl.config.WindowMs {
		win = &window{start: now}
		rl.windows[key] = win
	}

	resetAt := win.start.Add(time.Duration(rl.config.WindowMs) * time.Millisecond)
	win.count++
	if win.count > rl.config.MaxRequests {
		return false, 0, resetAt
	}
	return true, rl.config.MaxRequests - win.count, resetAt
}

// Reset clears all counters of this limiter.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.windows = make(map[string]*window)
}

// limiterSet tracks every live limiter so tests can reset process state.
type limiterSet struct {
	mu       sync.Mutex
	limiters []*RateLimiter
}

var allLimiters limiterSet

func (s *limiterSet) register(rl *RateLimiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiters = append(s.limiters, rl)
}

// ResetAllRateLimiters clears every limiter in the process. Test isolation
// hook; never called on a serving path.
func ResetAllRateLimiters() {
	allLimiters.mu.Lock()
	defer allLimiters.mu.Unlock()
	for _, rl := range allLimiters.limiters {
		rl.Reset()
	}
}

// RateLimitMiddleware enforces a per-actor fixed-window limit. Each call
// creates a dedicated limiter, so routes configured separately never share
// counters.
func RateLimitMiddleware(config RateLimitInfo) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := auth.ActorID(r.Context())
			if key == "" {
				// Unauthenticated requests never reach the sync handlers;
				// nothing to count.
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, resetAt := limiter.Allow(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !allowed {
				retryAfter := int(time.Until(resetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Warn().
					Str("actor", key).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("rate limit exceeded")

				writeError(w, http.StatusTooManyRequests,
					"rate limit exceeded, retry after "+strconv.Itoa(retryAfter)+" seconds")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
