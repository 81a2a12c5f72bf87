package smtp

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/sungwon/mailqueue/internal/auth"
	"github.com/sungwon/mailqueue/internal/email"
	"github.com/sungwon/mailqueue/internal/emailer"
	"github.com/sungwon/mailqueue/internal/metrics"
	"github.com/sungwon/mailqueue/internal/mimeparse"
)

var (
	errAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errAuthFailed = &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication failed",
	}
	errLockedOut = &gosmtp.SMTPError{
		Code:         454,
		EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
		Message:      "Too many failed authentication attempts, try again later",
	}
	errQueueUnavailable = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Error queuing message",
	}
)

// Session handles a single SMTP connection and implements the go-smtp Session
// interface. It enforces authentication and hands each message to the
// queue.
type Session struct {
	ctx           context.Context
	log           zerolog.Logger
	backend       *Backend
	username      string
	authenticated bool
	sender        string
	recipients    []string
}

// AuthMechanisms advertises SASL PLAIN.
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth starts a SASL exchange for mech.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		return s.authenticate(username, password)
	}), nil
}

func (s *Session) authenticate(username, password string) error {
	log := s.log.With().Str("username", username).Logger()
	log.Info().Msg("auth attempt")

	if err := s.backend.lockout.Check(s.ctx, username); err != nil {
		metrics.SMTPAuthAttemptsTotal.WithLabelValues("failure").Inc()
		if errors.Is(err, auth.ErrLockedOut) {
			log.Warn().Msg("auth rejected: locked out")
			return errLockedOut
		}
		// Lockout storage problems do not block submissions.
		log.Error().Err(err).Msg("lockout check failed")
	}

	if err := s.backend.users.Authenticate(username, password); err != nil {
		metrics.SMTPAuthAttemptsTotal.WithLabelValues("failure").Inc()
		log.Warn().Msg("auth failed: invalid credentials")
		if lerr := s.backend.lockout.RecordFailure(s.ctx, username); lerr != nil {
			log.Error().Err(lerr).Msg("failed to record auth failure")
		}
		return errAuthFailed
	}

	if err := s.backend.lockout.Clear(s.ctx, username); err != nil {
		log.Error().Err(err).Msg("failed to clear auth failures")
	}
	metrics.SMTPAuthAttemptsTotal.WithLabelValues("success").Inc()
	s.username = username
	s.authenticated = true
	log.Info().Msg("auth successful")
	return nil
}

// Mail handles the MAIL FROM command.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if !s.authenticated {
		return errAuthRequired
	}

	sender, err := ParseEnvelopeAddress(from)
	if err != nil {
		s.log.Warn().Err(err).Str("from", from).Msg("invalid sender address")
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender address",
		}
	}

	s.sender = sender
	s.log.Info().Str("from", s.sender).Msg("MAIL FROM accepted")
	return nil
}

// Rcpt handles the RCPT TO command. It validates the recipient address format
// and appends it to the session's recipient list.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if !s.authenticated {
		return errAuthRequired
	}

	addr, err := ParseEnvelopeAddress(to)
	if err != nil {
		s.log.Warn().Err(err).Str("to", to).Msg("invalid recipient address")
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "Invalid recipient address",
		}
	}

	if limit := s.backend.cfg.MaxRecipients; limit > 0 && len(s.recipients) >= limit {
		return &gosmtp.SMTPError{
			Code:         452,
			EnhancedCode: gosmtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}

	s.recipients = append(s.recipients, addr)
	s.log.Debug().Str("to", addr).Msg("RCPT TO accepted")
	return nil
}

// Data handles the DATA command. The message is parsed and queued; its body
// is never logged.
func (s *Session) Data(r io.Reader) error {
	if !s.authenticated {
		return errAuthRequired
	}

	if len(s.recipients) == 0 {
		return &gosmtp.SMTPError{
			Code:         503,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients specified",
		}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		s.log.Error().Err(err).Msg("failed to read message data")
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message",
		}
	}

	parsed, err := mimeparse.Parse(buf.Bytes())
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to parse message")
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "Malformed message",
		}
	}

	msg := parsed.Message(s.sender, s.recipients)
	cleanup, err := mimeparse.Spool(msg, s.backend.cfg.SpoolDir)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to spool attachments")
		return errQueueUnavailable
	}
	defer cleanup()

	id, err := s.backend.enqueuer.Enqueue(s.ctx, msg, emailer.WithSource("smtp"))
	switch {
	case email.IsValidation(err):
		s.log.Warn().Err(err).Msg("message rejected")
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      err.Error(),
		}
	case err != nil:
		s.log.Error().Err(err).Msg("failed to enqueue message")
		return errQueueUnavailable
	case id == nil:
		s.log.Warn().Msg("message rejected: empty body")
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "Message has no body",
		}
	}

	s.log.Info().
		Str("email_id", id.String()).
		Str("from", s.sender).
		Int("recipient_count", len(s.recipients)).
		Int("attachments", len(msg.AttachmentPaths)).
		Msg("message enqueued")

	return nil
}

// Reset is called between messages in the same session. It clears the sender
// and recipients but preserves the authentication state.
func (s *Session) Reset() {
	s.sender = ""
	s.recipients = nil
}

// Logout is called when the client disconnects. It decrements the backend's
// active session counter and logs the session closure.
func (s *Session) Logout() error {
	s.backend.active.Add(-1)
	metrics.SMTPActiveSessions.Dec()
	s.log.Info().Msg("session closed")
	return nil
}
