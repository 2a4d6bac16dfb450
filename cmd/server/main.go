package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/arborchat/arbor/internal/api"
	"github.com/arborchat/arbor/internal/blob"
	"github.com/arborchat/arbor/internal/config"
	"github.com/arborchat/arbor/internal/coord"
	"github.com/arborchat/arbor/internal/provider"
	"github.com/arborchat/arbor/internal/relay"
	"github.com/arborchat/arbor/internal/session"
	"github.com/arborchat/arbor/internal/store"
	"github.com/arborchat/arbor/internal/worker"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Initialize the data store: Postgres when configured, SQLite otherwise
	var ds store.DataStore
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		ds = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		ds = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite database")
	}
	defer ds.Close()

	// Initialize the coordinator: Redis when configured, in-process otherwise
	var cs coord.Coordinator
	if cfg.RedisURL != "" {
		redisCoord, err := coord.NewRedisCoordinator(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		cs = redisCoord
		logger.Info().Msg("connected to Redis")
	} else {
		cs = coord.NewMemoryCoordinator()
		logger.Warn().Msg("REDIS_URL not set, using in-process coordination")
	}

	// Blob storage for generated images
	blobs, err := blob.NewDiskStore(cfg.BlobDir, cfg.BlobBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("blob store init failed")
	}

	// Upstream model provider
	prov := provider.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)

	// Generation pipeline: worker pool consuming the job queue
	w := worker.New(ds, cs, prov, blobs, logger, cfg.ChunkDelay)
	runner := worker.NewRunner(cs, w, logger, cfg.WorkerConcurrency)
	runnerCtx, stopRunner := context.WithCancel(ctx)
	runner.Start(runnerCtx)

	sc := session.NewController(ds, cs, logger)
	rl := relay.New(cs, logger)

	// Create router
	router := api.NewRouter(api.RouterDeps{
		Store:     ds,
		Coord:     cs,
		Session:   sc,
		Relay:     rl,
		Blobs:     blobs,
		JWTSecret: cfg.JWTSecret,
		Logger:    logger,
	})

	// Create server. WriteTimeout must outlast the SSE lifetime ceiling,
	// so it is left unset and the relay enforces its own deadline.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting arbor server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Let in-flight jobs finish writing their terminal states
	stopRunner()
	runner.Wait()

	logger.Info().Msg("server stopped")
}
