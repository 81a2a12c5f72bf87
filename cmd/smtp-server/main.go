package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sungwon/mailqueue/internal/auth"
	"github.com/sungwon/mailqueue/internal/bootstrap"
	"github.com/sungwon/mailqueue/internal/config"
	"github.com/sungwon/mailqueue/internal/logger"
	smtpserver "github.com/sungwon/mailqueue/internal/smtp"
)

func main() {
	configDir := flag.String("config", "config", "directory containing config.yaml")
	flag.Parse()

	// Load configuration from the config directory.
	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(cfg.Logging.Logger())
	log.Info().Msg("starting SMTP server")

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer app.Close()
	log = app.Log

	users := auth.Credentials(cfg.Intake.Users)
	if len(users) == 0 {
		log.Warn().Msg("no intake users configured; SMTP AUTH is not required")
	}
	// Lockout is disabled when redis is not configured.
	lockout := auth.NewLockout(app.Redis, cfg.Intake.Lockout)

	backend := smtpserver.NewBackend(app.Emailer, users, lockout, smtpserver.BackendConfig{
		MaxConnections: cfg.Intake.MaxConnections,
		MaxRecipients:  cfg.Intake.MaxRecipients,
	}, log)

	tlsConfig, err := smtpserver.LoadTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Intake.Domain)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure TLS")
	}
	if cfg.TLS.CertFile == "" {
		log.Info().Msg("TLS: using auto-generated self-signed certificate")
	}

	s := smtpserver.NewServer(backend, smtpserver.ServerConfig{
		Addr:              fmt.Sprintf("%s:%d", cfg.Intake.Host, cfg.Intake.Port),
		Domain:            cfg.Intake.Domain,
		ReadTimeout:       cfg.Intake.ReadTimeout,
		WriteTimeout:      cfg.Intake.WriteTimeout,
		MaxMessageBytes:   cfg.Intake.MaxMessageSize,
		MaxRecipients:     cfg.Intake.MaxRecipients,
		AllowInsecureAuth: cfg.Intake.AllowInsecureAuth,
		TLS:               tlsConfig,
	})

	// Start listening on the configured address.
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", s.Addr).Msg("failed to listen")
	}

	// Serve connections in a goroutine.
	go func() {
		log.Info().Str("addr", s.Addr).Msg("SMTP server listening")
		if err := s.Serve(ln); err != nil {
			log.Error().Err(err).Msg("SMTP server error")
		}
	}()

	// Wait for interrupt signal for graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down SMTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("SMTP server shutdown error")
	}

	log.Info().Msg("SMTP server stopped")
}
