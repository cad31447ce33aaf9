// Package httpapi is the HTTP transport for the sync engine: one combined
// push+pull endpoint plus an advisory SSE event feed.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/driftline/driftline/internal/auth"
	"github.com/driftline/driftline/internal/commitlog"
	"github.com/driftline/driftline/internal/pull"
	"github.com/driftline/driftline/internal/realtime"
)

// DefaultPartition receives envelopes that do not name a partition.
const DefaultPartition = "default"

// Server holds dependencies for HTTP handlers
type Server struct {
	Store       *commitlog.Store
	Pull        *pull.Service
	Broadcaster realtime.Broadcaster
	InstanceID  string

	// Per-route rate limits; zero values fall back to DefaultRateLimit.
	SyncRateLimit   RateLimitInfo
	EventsRateLimit RateLimitInfo
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func (s *Server) limit(cfg RateLimitInfo) func(http.Handler) http.Handler {
	if cfg.MaxRequests == 0 {
		cfg = DefaultRateLimit
	}
	return RateLimitMiddleware(cfg)
}

// Routes creates the HTTP router
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// All sync endpoints require authentication. Each route gets its own
	// rate limiter.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))

		r.With(s.limit(s.SyncRateLimit)).Post("/v1/sync", s.Sync)
		r.With(s.limit(s.EventsRateLimit)).Get("/v1/sync/events", s.Events)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
