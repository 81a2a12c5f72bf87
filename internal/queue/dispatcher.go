// Package queue runs the dispatcher that drains the persistent email queue
// through a mail transport.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/mailqueue/internal/email"
	"github.com/sungwon/mailqueue/internal/metrics"
	"github.com/sungwon/mailqueue/internal/provider"
)

// ErrEmptyBody is returned by ProcessOne when the rebuilt message has
// neither a text nor an HTML body.
var ErrEmptyBody = errors.New("email has empty body")

// Dispatcher selects eligible records one at a time, delivers them and
// persists the resulting state transition.
type Dispatcher struct {
	store   Store
	builder Builder
	sender  provider.Provider
	waiter  Waiter
	policy  RetryPolicy
	config  Config
	log     zerolog.Logger
	now     func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithWaiter replaces the idle wait, e.g. with a notification listener that
// returns as soon as a new record is enqueued.
func WithWaiter(w Waiter) Option {
	return func(d *Dispatcher) {
		if w != nil {
			d.waiter = w
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	store Store,
	builder Builder,
	sender provider.Provider,
	cfg Config,
	log zerolog.Logger,
	opts ...Option,
) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		store:   store,
		builder: builder,
		sender:  sender,
		waiter:  SleepWaiter{},
		policy:  NewRetryPolicy(cfg.RetryDelay),
		config:  cfg,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes records until the configured timeout elapses or ctx is
// done, and returns how many records were sent. A record that is already
// being processed when ctx is cancelled is finished first; the returned
// error is then ctx.Err().
func (d *Dispatcher) Run(ctx context.Context) (int, error) {
	start := d.now()
	sent := 0

	d.log.Debug().
		Dur("timeout", d.config.Timeout).
		Bool("claim", d.config.Claim).
		Str("provider", d.sender.GetName()).
		Msg("dispatcher started")

	for ctx.Err() == nil && d.now().Sub(start) <= d.config.Timeout {
		rec, err := d.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.log.Error().Err(err).Msg("select next email")
			d.waiter.Wait(ctx, d.config.CheckIterationDelay)
			continue
		}
		if rec == nil {
			d.waiter.Wait(ctx, d.config.CheckIterationDelay)
			continue
		}

		if err := d.ProcessOne(ctx, rec); err == nil {
			sent++
		}
		sleep(ctx, d.config.EmailDelay)
	}

	elapsed := d.now().Sub(start)
	d.log.Info().
		Int("sent", sent).
		Dur("elapsed", elapsed).
		Msgf("FINISHED: sender was running for %s and it sent %d e-mails", elapsed.Round(time.Second), sent)

	return sent, ctx.Err()
}

func (d *Dispatcher) next(ctx context.Context) (*email.Record, error) {
	now := d.now()
	if d.config.Claim {
		return d.store.ClaimNext(ctx, now, d.config.ClaimTTL)
	}
	return d.store.SelectNext(ctx, now)
}

// ProcessOne builds, sends and persists a single record. rec is updated in
// place. It returns nil only when the record ended in StatusSent; failures
// have already been recorded on rec and persisted when it returns.
func (d *Dispatcher) ProcessOne(ctx context.Context, rec *email.Record) error {
	// In-flight records complete even when the caller gives up.
	ctx = context.WithoutCancel(ctx)
	log := d.log.With().Str("email_id", rec.ID.String()).Logger()

	prepStart := d.now()
	var msg *provider.Message
	err := recoverPanic(func() error {
		var err error
		msg, err = d.builder.ToMessage(ctx, rec)
		return err
	})
	preparing := d.now().Sub(prepStart)
	metrics.PreparingDuration.Observe(preparing.Seconds())
	if err != nil {
		return d.fail(ctx, log, rec, email.FailurePreparing, fmt.Errorf("prepare message: %w", err), preparing, 0)
	}

	if !msg.HasBody() {
		rec.MarkEmptyBody(d.now())
		metrics.DispatchTotal.WithLabelValues("empty_body").Inc()
		log.Error().Msgf("E-mail #%s was not sent (empty body)", rec.ID)
		if perr := d.persist(ctx, log, rec); perr != nil {
			return errors.Join(ErrEmptyBody, perr)
		}
		return ErrEmptyBody
	}

	sendStart := d.now()
	err = recoverPanic(func() error {
		sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
		defer cancel()
		_, err := d.sender.Send(sendCtx, msg)
		return err
	})
	sending := d.now().Sub(sendStart)
	metrics.SendingDuration.Observe(sending.Seconds())
	if err != nil {
		kind := email.FailurePreparing
		if provider.IsTransportError(err) {
			kind = email.FailureTransport
			metrics.TransportErrorsTotal.WithLabelValues(d.sender.GetName()).Inc()
		}
		return d.fail(ctx, log, rec, kind, err, preparing, sending)
	}

	rec.MarkSent(d.now(), preparing, sending)
	metrics.DispatchTotal.WithLabelValues(outcomeLabel(rec.Status)).Inc()
	log.Info().
		Dur("preparing", preparing).
		Dur("sending", sending).
		Msgf(`E-mail "%s" was successfully sent to "%s" with subject "%s". Preparation took "%s" and sending took "%s"`,
			rec.ID, recipients(rec), msg.Subject, preparing, sending)

	if err := d.persist(ctx, log, rec); err != nil {
		return err
	}
	if err := d.builder.Release(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("release staged attachments")
	}
	return nil
}

func (d *Dispatcher) fail(
	ctx context.Context,
	log zerolog.Logger,
	rec *email.Record,
	kind email.FailureKind,
	cause error,
	preparing, sending time.Duration,
) error {
	limit, _ := rec.MaxAttempts(d.config.DefaultMaxAttempts)
	now := d.now()
	terminal, next := d.policy.Decide(rec.FailedAttemptsCount, limit, now)
	rec.MarkFailed(kind, cause, now, terminal, next)
	if terminal {
		rec.SetDurations(preparing, sending)
	}
	metrics.DispatchTotal.WithLabelValues(outcomeLabel(rec.Status)).Inc()

	log.Error().
		Err(cause).
		Str("kind", kind.String()).
		Int("failed_attempts", rec.FailedAttemptsCount).
		Str("status", string(rec.Status)).
		Msgf("E-mail #%s failed to send: %s", rec.ID, cause)

	err := fmt.Errorf("dispatch email %s: %w", rec.ID, cause)
	if perr := d.persist(ctx, log, rec); perr != nil {
		return errors.Join(err, perr)
	}
	return err
}

func (d *Dispatcher) persist(ctx context.Context, log zerolog.Logger, rec *email.Record) error {
	if err := d.store.UpdateEmail(ctx, rec); err != nil {
		log.Error().Err(err).Str("status", string(rec.Status)).Msg("failed to persist email state")
		return fmt.Errorf("update email %s: %w", rec.ID, err)
	}
	return nil
}

// recoverPanic runs fn and converts a panic into an error.
func recoverPanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func recipients(rec *email.Record) string {
	if rec.Raw == nil {
		return "???"
	}
	return strings.Join(rec.Raw.To, ", ")
}
