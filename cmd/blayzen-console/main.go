// Package main is the entry point for blayzen-console
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shiv6146/blayzen-console/internal/api"
	"github.com/shiv6146/blayzen-console/internal/config"
	"github.com/shiv6146/blayzen-console/internal/console"
	"github.com/shiv6146/blayzen-console/internal/store"

	_ "github.com/shiv6146/blayzen-console/docs" // Import generated swagger docs
)

// @title blayzen-console API
// @version 1.0
// @description Agent console core: SIP session lifecycle, call control, supervisor monitoring and live dashboard state

// @contact.name API Support
// @contact.url https://github.com/shiv6146/blayzen-console

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

// @securityDefinitions.basic BasicAuth

func main() {
	// Load configuration
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	logger.Info().Msg("starting blayzen-console")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL (optional: call history is skipped without it)
	var callStore console.CallStore
	var pgStore *store.PostgresStore
	if cfg.DatabaseURL != "" {
		pgStore, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
		}
		defer pgStore.Close()
		callStore = pgStore
		logger.Info().Msg("PostgreSQL connected")
	}

	// Connect to Valkey (optional)
	var presenceCache console.PresenceCache
	if cfg.ValkeyURL != "" {
		cache, err := store.NewCache(ctx, cfg.ValkeyURL, cfg.ValkeyPassword, cfg.ValkeyDB, cfg.PresenceTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to connect to Valkey, continuing without cache")
		} else {
			defer cache.Close()
			presenceCache = cache
			logger.Info().Msg("Valkey connected")
		}
	}

	// Build the console service and start the push feed subscription
	svc := console.New(cfg, callStore, presenceCache, logger)
	go svc.Run(ctx)

	// Create and start API server
	apiServer := api.NewServer(cfg, svc, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	logger.Info().
		Str("api", cfg.APIHost).Int("port", cfg.APIPort).
		Str("sip", cfg.SIPWSURL).
		Str("pushfeed", cfg.PushURL).
		Msg("blayzen-console is running")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutdown signal received, stopping services")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API server shutdown error")
	}
	svc.Close(shutdownCtx)

	cancel()
	logger.Info().Msg("blayzen-console stopped")
}
