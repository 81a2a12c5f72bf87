// Package emailer is the entry point applications use to queue and send
// email.
package emailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/mailqueue/internal/email"
	"github.com/sungwon/mailqueue/internal/metrics"
	"github.com/sungwon/mailqueue/internal/notify"
	"github.com/sungwon/mailqueue/internal/provider"
)

// AttachmentDelay defers records with attachments when no explicit send
// time was requested, leaving room for staging.
const AttachmentDelay = time.Minute

// DefaultClaimTTL is how long SendNow hides a record from claiming
// dispatchers while it delivers it.
const DefaultClaimTTL = 5 * time.Minute

// ErrNoProcessor is returned by SendNow when the Emailer was built without
// a dispatcher.
var ErrNoProcessor = errors.New("emailer: no processor configured")

// Store is the persistence the Emailer needs.
type Store interface {
	InsertEmail(ctx context.Context, rec *email.Record) error
	UpdateEmail(ctx context.Context, rec *email.Record) error
	GetEmailByID(ctx context.Context, id uuid.UUID) (*email.Record, error)
	GetTemplateBySlug(ctx context.Context, slug string) (*email.Template, error)
}

// Serializer converts messages to payloads and stages their attachments.
type Serializer interface {
	ToRecord(msg *provider.Message) (*email.RawPayload, error)
	Stage(ctx context.Context, rec *email.Record) error
}

// Processor delivers a single record immediately.
type Processor interface {
	ProcessOne(ctx context.Context, rec *email.Record) error
}

// Renderer renders a template file to HTML.
type Renderer interface {
	Render(ctx context.Context, path string, params map[string]any) (string, error)
}

// Config holds the mailer settings.
type Config struct {
	// UseQueue makes Send enqueue instead of delivering immediately.
	UseQueue     bool   `mapstructure:"use_queue"`
	TemplatesDir string `mapstructure:"templates_dir"`
	Language     string `mapstructure:"language"`
	// ClaimTTL bounds the claim SendNow holds on the record it delivers.
	// Zero means DefaultClaimTTL.
	ClaimTTL time.Duration `mapstructure:"-"`
}

// Emailer queues messages and optionally delivers them right away.
type Emailer struct {
	store      Store
	serializer Serializer
	processor  Processor
	renderer   Renderer
	publisher  notify.Publisher
	cache      *RecordCache
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time
}

// Option customizes an Emailer.
type Option func(*Emailer)

// WithProcessor enables SendNow.
func WithProcessor(p Processor) Option {
	return func(e *Emailer) { e.processor = p }
}

// WithRenderer enables Compose.
func WithRenderer(r Renderer) Option {
	return func(e *Emailer) { e.renderer = r }
}

// WithPublisher announces every enqueued record.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Emailer) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithRecordCache serves GetByID through c.
func WithRecordCache(c *RecordCache) Option {
	return func(e *Emailer) { e.cache = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Emailer) { e.now = now }
}

// New creates an Emailer.
func New(store Store, serializer Serializer, cfg Config, log zerolog.Logger, opts ...Option) *Emailer {
	e := &Emailer{
		store:      store,
		serializer: serializer,
		publisher:  notify.Nop{},
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type enqueueOptions struct {
	sendEarliestAt *time.Time
	template       string
	source         string
	claimFor       time.Duration
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithSendEarliestAt defers the first dispatch until t.
func WithSendEarliestAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.sendEarliestAt = &t }
}

// WithTemplate binds the record to the template registered under slug.
func WithTemplate(slug string) EnqueueOption {
	return func(o *enqueueOptions) { o.template = slug }
}

// WithSource labels the submission channel in metrics, e.g. "api".
func WithSource(source string) EnqueueOption {
	return func(o *enqueueOptions) { o.source = source }
}

// Enqueue persists msg and returns the id of the new record. A message
// without any body is dropped with a warning and nil is returned.
func (e *Emailer) Enqueue(ctx context.Context, msg *provider.Message, opts ...EnqueueOption) (*uuid.UUID, error) {
	rec, err := e.enqueue(ctx, msg, opts...)
	if err != nil || rec == nil {
		return nil, err
	}
	id := rec.ID
	return &id, nil
}

func (e *Emailer) enqueue(ctx context.Context, msg *provider.Message, opts ...EnqueueOption) (*email.Record, error) {
	o := enqueueOptions{source: "library"}
	for _, opt := range opts {
		opt(&o)
	}

	if !msg.HasBody() {
		e.log.Warn().Str("subject", msg.Subject).Msg("Enqueue: Empty mail (no body)")
		return nil, nil
	}

	raw, err := e.serializer.ToRecord(msg)
	if err != nil {
		return nil, err
	}

	now := e.now()
	rec := email.NewRecord(raw, now)
	if o.claimFor > 0 {
		rec.Claim(now.Add(o.claimFor))
	}
	switch {
	case o.sendEarliestAt != nil:
		rec.SendEarliestAt = o.sendEarliestAt
	case len(raw.Attachments) > 0:
		at := now.Add(AttachmentDelay)
		rec.SendEarliestAt = &at
	case msg.SendEarliestAt != nil:
		at := *msg.SendEarliestAt
		rec.SendEarliestAt = &at
	default:
		rec.SendEarliestAt = &now
	}

	if o.template != "" {
		tpl, err := e.store.GetTemplateBySlug(ctx, o.template)
		if err != nil {
			return nil, fmt.Errorf("lookup template %q: %w", o.template, err)
		}
		rec.Template = tpl
	}

	log := e.log.With().Str("email_id", rec.ID.String()).Logger()

	if err := e.store.InsertEmail(ctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to insert email")
		return nil, fmt.Errorf("enqueue email: %w", err)
	}

	if rec.Status == email.StatusNotReadyToQueue {
		if err := e.serializer.Stage(ctx, rec); err != nil {
			log.Error().Err(err).Msg("failed to stage attachments")
			return nil, fmt.Errorf("enqueue email %s: %w", rec.ID, err)
		}
		if err := rec.MarkQueued(); err != nil {
			return nil, err
		}
		if err := e.store.UpdateEmail(ctx, rec); err != nil {
			log.Error().Err(err).Msg("failed to mark email queued")
			return nil, fmt.Errorf("enqueue email %s: %w", rec.ID, err)
		}
	}

	metrics.EmailsEnqueuedTotal.WithLabelValues(o.source).Inc()
	log.Debug().
		Str("status", string(rec.Status)).
		Int("priority", raw.Priority).
		Str("source", o.source).
		Msg("email enqueued")

	if err := e.publisher.Publish(ctx, rec.ID); err != nil {
		log.Warn().Err(err).Msg("failed to announce enqueued email")
	}
	return rec, nil
}

// SendNow enqueues msg and delivers it immediately. The record keeps the
// outcome, so a failed attempt is retried by the dispatcher later.
func (e *Emailer) SendNow(ctx context.Context, msg *provider.Message) error {
	if e.processor == nil {
		return ErrNoProcessor
	}
	ttl := e.cfg.ClaimTTL
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	// The claim keeps a running dispatcher from sending the record too.
	rec, err := e.enqueue(ctx, msg, WithSource("send_now"), func(o *enqueueOptions) { o.claimFor = ttl })
	if err != nil || rec == nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	return e.processor.ProcessOne(ctx, rec)
}

// Send enqueues msg when the queue is enabled and delivers it immediately
// otherwise.
func (e *Emailer) Send(ctx context.Context, msg *provider.Message) error {
	if e.cfg.UseQueue {
		_, err := e.Enqueue(ctx, msg)
		return err
	}
	return e.SendNow(ctx, msg)
}

// SendText sends a plain-text message.
func (e *Emailer) SendText(ctx context.Context, from, to, subject, text string) error {
	msg := provider.NewMessage()
	msg.From = from
	msg.AddTo(to)
	msg.Subject = subject
	msg.TextBody = text
	return e.Send(ctx, msg)
}

// GetByID loads a record, through the record cache when one is configured.
func (e *Emailer) GetByID(ctx context.Context, id uuid.UUID) (*email.Record, error) {
	if rec, ok := e.cache.Get(id); ok {
		return rec, nil
	}
	rec, err := e.store.GetEmailByID(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cache.Put(rec)
	return rec, nil
}

// Requeue moves a record that ended in a failure state back into the
// queue with a fresh attempt budget.
func (e *Emailer) Requeue(ctx context.Context, id uuid.UUID, reason string) (*email.Record, error) {
	rec, err := e.store.GetEmailByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rec.Requeue(e.now(), reason); err != nil {
		return nil, err
	}
	if err := e.store.UpdateEmail(ctx, rec); err != nil {
		return nil, fmt.Errorf("requeue email %s: %w", id, err)
	}
	e.cache.Invalidate(id)

	e.log.Info().Str("email_id", id.String()).Str("reason", reason).Msg("email requeued")
	if err := e.publisher.Publish(ctx, id); err != nil {
		e.log.Warn().Err(err).Str("email_id", id.String()).Msg("failed to announce requeued email")
	}
	return rec, nil
}
