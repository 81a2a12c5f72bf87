package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/mailqueue/internal/config"
	"github.com/sungwon/mailqueue/internal/dkim"
	"github.com/sungwon/mailqueue/internal/emailer"
	"github.com/sungwon/mailqueue/internal/logger"
	"github.com/sungwon/mailqueue/internal/notify"
	"github.com/sungwon/mailqueue/internal/provider"
	"github.com/sungwon/mailqueue/internal/queue"
	"github.com/sungwon/mailqueue/internal/renderer"
	"github.com/sungwon/mailqueue/internal/serializer"
	"github.com/sungwon/mailqueue/internal/staging"
	"github.com/sungwon/mailqueue/internal/storage"
)

// App holds the components shared by the queue's binaries.
type App struct {
	Config     *config.Config
	Log        zerolog.Logger
	DB         *storage.DB
	Queries    *storage.Queries
	Redis      *redis.Client // nil unless redis.addr is set
	Staging    staging.Store
	Serializer *serializer.Serializer
	Provider   provider.Provider
	Notifier   notify.Notifier
	Dispatcher *queue.Dispatcher
	Emailer    *emailer.Emailer

	closers []func()
}

// New connects to the database (and redis when configured) and builds the
// dispatcher and emailer. When logging.store_level is set, log events at or
// above it are also persisted to email_log.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	db, err := storage.NewDB(ctx, cfg.Database.Pool())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	a.DB = db
	a.Queries = db.Queries()
	a.closers = append(a.closers, db.Close)

	if cfg.Logging.StoreLevel != "" {
		hook := logger.NewStoreHook(a.Queries, logger.ParseLevel(cfg.Logging.StoreLevel))
		a.Log = a.Log.Hook(hook)
		a.closers = append(a.closers, hook.Close)
	}

	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	mode, err := staging.ParseMode(cfg.Staging.Mode)
	if err != nil {
		return err
	}
	a.Staging, err = staging.New(ctx, cfg.Staging.Store(), a.Log)
	if err != nil {
		return fmt.Errorf("initialize staging store: %w", err)
	}
	a.Serializer = serializer.New(cfg.Mailer.Serializer(mode), a.Staging)

	hostname := cfg.Mailer.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	var signer provider.Signer
	if dk := cfg.DKIM.Signer(); dk.Enabled() {
		s, err := dkim.New(dk)
		if err != nil {
			return fmt.Errorf("initialize dkim signer: %w", err)
		}
		signer = s
	}
	a.Provider, err = provider.New(cfg.Transport.Provider(hostname), signer)
	if err != nil {
		return err
	}

	a.Notifier, err = notify.New(ctx, cfg.Notify, a.Redis, a.Log)
	if err != nil {
		return err
	}

	a.Dispatcher = queue.NewDispatcher(
		a.Queries,
		a.Serializer,
		a.Provider,
		cfg.Queue,
		a.Log.With().Str("component", "dispatcher").Logger(),
		queue.WithWaiter(a.Notifier),
	)

	opts := []emailer.Option{
		emailer.WithProcessor(a.Dispatcher),
		emailer.WithRenderer(newRenderer(cfg.Renderer)),
		emailer.WithPublisher(a.Notifier),
	}
	// The dispatcher may run in another process, so cached records must expire.
	if cfg.Mailer.RecordCacheTTL > 0 {
		opts = append(opts, emailer.WithRecordCache(emailer.NewRecordCache(cfg.Mailer.RecordCacheTTL)))
	}
	ec := cfg.Mailer.Emailer()
	ec.ClaimTTL = cfg.Queue.ClaimTTL
	a.Emailer = emailer.New(
		a.Queries,
		a.Serializer,
		ec,
		a.Log.With().Str("component", "emailer").Logger(),
		opts...,
	)
	return nil
}

// newRenderer registers the html/template renderer for every HTML format
// and, for .mjml files, the MJML API compiler.
func newRenderer(cfg config.RendererConfig) *renderer.Registry {
	reg := renderer.NewRegistry(cfg.Params)
	html := renderer.NewHTMLRenderer(renderer.NewCache())
	for _, format := range renderer.HTMLFormats {
		reg.Register(format, html)
	}
	reg.Register("mjml", renderer.NewMJMLRenderer(renderer.NewMJMLClient(cfg.MJML), renderer.NewCache()))
	return reg
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
