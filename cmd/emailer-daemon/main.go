// Command emailer-daemon runs one dispatcher pass over the email queue and
// exits. It is meant to be restarted by a scheduler (cron, systemd timer or
// a Kubernetes CronJob) every five minutes; -loop keeps it running instead.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sungwon/mailqueue/internal/bootstrap"
	"github.com/sungwon/mailqueue/internal/config"
	"github.com/sungwon/mailqueue/internal/lease"
	"github.com/sungwon/mailqueue/internal/logger"
	"github.com/sungwon/mailqueue/internal/queue"
)

func main() {
	configDir := flag.String("config", "config", "directory containing config.yaml")
	loop := flag.Bool("loop", false, "start a new pass as soon as the previous one finishes")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(cfg.Logging.Logger())
	log.Info().Msg("starting emailer daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer app.Close()
	log = app.Log

	if _, err := bootstrap.SeedTemplates(ctx, app.Queries, cfg.Templates, log); err != nil {
		log.Error().Err(err).Msg("failed to seed templates")
	}

	if cfg.Metrics.Enabled {
		srv := startMetrics(cfg.Metrics.Addr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runCtx := ctx
	if cfg.Lease.Enabled {
		l := lease.New(app.Redis, cfg.Lease, log)
		ok, err := l.Acquire(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to acquire dispatcher lease")
		}
		if !ok {
			log.Info().Msg("another dispatcher holds the lease, exiting")
			return
		}
		defer func() {
			if err := l.Release(context.Background()); err != nil {
				log.Warn().Err(err).Msg("failed to release dispatcher lease")
			}
		}()

		var cancel context.CancelFunc
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := l.Keep(runCtx, cancel); errors.Is(err, lease.ErrLost) {
				log.Error().Msg("dispatcher lease lost, stopping")
			}
		}()
		log.Info().Str("holder", l.Holder()).Msg("dispatcher lease acquired")
	}

	for {
		reportDepth(runCtx, app.Queries, log)
		sent, err := app.Dispatcher.Run(runCtx)
		reportDepth(context.Background(), app.Queries, log)
		log.Info().Int("sent", sent).Msg("dispatcher pass finished")

		if err != nil || !*loop {
			break
		}
	}

	log.Info().Msg("emailer daemon stopped")
}

func reportDepth(ctx context.Context, c queue.StatusCounter, log zerolog.Logger) {
	if err := queue.ReportDepth(ctx, c); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("failed to report queue depth")
	}
}

func startMetrics(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	return srv
}
