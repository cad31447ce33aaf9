package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftline/driftline/internal/auth"
	"github.com/driftline/driftline/internal/commitlog"
	"github.com/driftline/driftline/internal/db"
	"github.com/driftline/driftline/internal/httpapi"
	"github.com/driftline/driftline/internal/pull"
	"github.com/driftline/driftline/internal/realtime"
	"github.com/driftline/driftline/internal/scope"
	"github.com/driftline/driftline/internal/storage"
	"github.com/driftline/driftline/internal/telemetry"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := env(k, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatal().Str("key", k).Str("value", v).Msg("invalid integer env var")
	}
	return n
}

// parseScopes reads SYNC_SCOPES, e.g.
// "tasks=project:{project_id},assignee:{assignee_id};docs=project:{project_id}".
func parseScopes(spec string) (*scope.Registry, error) {
	reg := scope.NewRegistry()
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		table, templates, ok := strings.Cut(entry, "=")
		if !ok {
			log.Fatal().Str("entry", entry).Msg("SYNC_SCOPES entry must be table=template[,template...]")
		}
		if err := reg.Register(strings.TrimSpace(table), strings.Split(templates, ",")...); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "driftline").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	scopes, err := parseScopes(env("SYNC_SCOPES",
		"tasks=project:{project_id},assignee:{assignee_id};docs=project:{project_id}"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid SYNC_SCOPES")
	}

	instanceID := env("INSTANCE_ID", uuid.NewString())
	metrics := telemetry.NewProm(prometheus.DefaultRegisterer)

	store := storage.NewPgx(pool)
	broadcaster := realtime.NewPostgres(ctx, pool)
	defer broadcaster.Close()

	commits := commitlog.New(commitlog.Config{
		DB:            store,
		Scopes:        scopes,
		Broadcaster:   broadcaster,
		Metrics:       metrics,
		InstanceID:    instanceID,
		SchemaVersion: envInt("SCHEMA_VERSION", 1),
	})

	srv := &httpapi.Server{
		Store:       commits,
		Pull:        pull.New(store, scopes, metrics),
		Broadcaster: broadcaster,
		InstanceID:  instanceID,
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		DevMode:     env("ENV", "dev") == "dev",
	}

	// Expired blob upload slots are swept in the background.
	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-pruneCtx.Done():
				return
			case <-ticker.C:
				if err := commits.PruneExpiredUploads(pruneCtx, time.Now()); err != nil {
					log.Warn().Err(err).Msg("blob upload prune failed")
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv.Routes(jwtCfg))

	httpAddr := env("HTTP_ADDR", ":8081")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		// SSE connections outlive any sane write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Str("instance", instanceID).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}
