package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sungwon/mailqueue/internal/api"
	"github.com/sungwon/mailqueue/internal/auth"
	"github.com/sungwon/mailqueue/internal/bootstrap"
	"github.com/sungwon/mailqueue/internal/config"
	"github.com/sungwon/mailqueue/internal/logger"
)

func main() {
	configDir := flag.String("config", "config", "directory containing config.yaml")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewFromConfig(cfg.Logging.Logger())
	log.Info().Msg("starting API server")

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer app.Close()
	log = app.Log

	if _, err := bootstrap.SeedTemplates(ctx, app.Queries, cfg.Templates, log); err != nil {
		log.Error().Err(err).Msg("failed to seed templates")
	}

	keys := auth.NewKeyRing(cfg.API.KeyHashes)
	if keys.Empty() {
		log.Warn().Msg("no API key hashes configured; the API is unauthenticated")
	}

	router := api.NewRouter(api.Deps{
		Emails: app.Emailer,
		Store:  app.Queries,
		DB:     app.DB,
		Keys:   keys,
		Log:    log,
	})

	// Configure HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown error")
	}

	log.Info().Msg("API server stopped")
}
