// Package smtp implements the SMTP submission intake that feeds the queue.
package smtp

import (
	"context"
	"sync/atomic"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/mailqueue/internal/auth"
	"github.com/sungwon/mailqueue/internal/emailer"
	"github.com/sungwon/mailqueue/internal/logger"
	"github.com/sungwon/mailqueue/internal/metrics"
	"github.com/sungwon/mailqueue/internal/provider"
)

// Enqueuer accepts parsed submissions into the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *provider.Message, opts ...emailer.EnqueueOption) (*uuid.UUID, error)
}

// BackendConfig holds the intake limits.
type BackendConfig struct {
	MaxConnections int
	MaxRecipients  int
	// SpoolDir holds attachments while they are staged. Empty uses the
	// system temp directory.
	SpoolDir string
}

// Backend implements the go-smtp Backend interface.
// It manages session creation and enforces connection limits.
type Backend struct {
	enqueuer Enqueuer
	users    auth.Credentials
	lockout  *auth.Lockout
	cfg      BackendConfig
	log      zerolog.Logger
	active   atomic.Int64
}

// NewBackend creates a new SMTP backend. When users is empty every session
// is trusted without AUTH.
func NewBackend(enqueuer Enqueuer, users auth.Credentials, lockout *auth.Lockout, cfg BackendConfig, log zerolog.Logger) *Backend {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	return &Backend{
		enqueuer: enqueuer,
		users:    users,
		lockout:  lockout,
		cfg:      cfg,
		log:      log,
	}
}

// NewSession is called after a client sends EHLO/HELO. It enforces connection
// limits and creates a new Session for the connection.
func (b *Backend) NewSession(conn *gosmtp.Conn) (gosmtp.Session, error) {
	current := b.active.Add(1)
	if int(current) > b.cfg.MaxConnections {
		b.active.Add(-1)
		metrics.SMTPConnectionsTotal.WithLabelValues("rejected").Inc()
		b.log.Warn().
			Int64("active", current-1).
			Int("max", b.cfg.MaxConnections).
			Msg("connection limit reached")
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "Too many connections",
		}
	}
	metrics.SMTPConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.SMTPActiveSessions.Inc()

	correlationID := logger.NewCorrelationID()
	ctx := logger.WithCorrelationID(context.Background(), correlationID)

	sessionLog := b.log.With().
		Str("correlation_id", correlationID).
		Str("remote_addr", remoteAddr(conn)).
		Logger()

	sessionLog.Info().Msg("new SMTP session")

	return b.newSession(ctx, sessionLog), nil
}

func (b *Backend) newSession(ctx context.Context, log zerolog.Logger) *Session {
	return &Session{
		ctx:           ctx,
		log:           log,
		backend:       b,
		authenticated: len(b.users) == 0,
	}
}

// ActiveSessions returns the current number of active SMTP sessions.
func (b *Backend) ActiveSessions() int64 {
	return b.active.Load()
}

func remoteAddr(conn *gosmtp.Conn) string {
	if conn == nil || conn.Conn() == nil {
		return ""
	}
	return conn.Conn().RemoteAddr().String()
}
