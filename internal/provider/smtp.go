package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// SMTP delivers messages through an SMTP relay.
type SMTP struct {
	cfg    Config
	signer Signer
	dialer net.Dialer
	now    func() time.Time
}

// NewSMTP creates an SMTP transport. cfg must already be validated.
func NewSMTP(cfg Config, signer Signer) *SMTP {
	return &SMTP{
		cfg:    cfg,
		signer: signer,
		dialer: net.Dialer{Timeout: cfg.Timeout},
		now:    time.Now,
	}
}

func (s *SMTP) GetName() string { return "smtp" }

// Send renders msg, opens a connection to the relay, authenticates when
// credentials are configured and submits the message to every recipient.
func (s *SMTP) Send(ctx context.Context, msg *Message) (*DeliveryResult, error) {
	raw, err := BuildMIME(msg, s.now(), s.cfg.Hostname)
	if err != nil {
		return nil, fmt.Errorf("smtp: build message: %w", err)
	}
	if raw, err = sign(s.signer, raw); err != nil {
		return nil, fmt.Errorf("smtp: %w", err)
	}

	from, rcpts, err := envelope(msg)
	if err != nil {
		return nil, fmt.Errorf("smtp: %w", err)
	}

	c, err := s.connect(ctx)
	if err != nil {
		return nil, ClassifySMTPError(s.GetName(), err)
	}
	defer c.Close()

	if err := c.SendMail(from, rcpts, bytes.NewReader(raw)); err != nil {
		return nil, ClassifySMTPError(s.GetName(), err)
	}
	if err := c.Quit(); err != nil {
		return nil, ClassifySMTPError(s.GetName(), err)
	}

	return &DeliveryResult{
		ProviderMessageID: msg.ID,
		Status:            StatusSent,
		Timestamp:         s.now(),
		Metadata:          map[string]string{"relay": s.addr()},
	}, nil
}

// HealthCheck connects to the relay, greets it and disconnects.
func (s *SMTP) HealthCheck(ctx context.Context) error {
	c, err := s.connect(ctx)
	if err != nil {
		return ClassifySMTPError(s.GetName(), err)
	}
	defer c.Close()
	return c.Noop()
}

func (s *SMTP) addr() string {
	return net.JoinHostPort(s.cfg.SMTP.Host, strconv.Itoa(s.cfg.SMTP.Port))
}

func (s *SMTP) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.cfg.SMTP.Host,
		InsecureSkipVerify: s.cfg.SMTP.InsecureSkipVerify, //nolint:gosec // opt-in for relays with private CAs
		MinVersion:         tls.VersionTLS12,
	}
}

func (s *SMTP) connect(ctx context.Context) (*gosmtp.Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if s.cfg.SMTP.Secure == "ssl" {
		td := tls.Dialer{NetDialer: &s.dialer, Config: s.tlsConfig()}
		conn, err = td.DialContext(ctx, "tcp", s.addr())
	} else {
		conn, err = s.dialer.DialContext(ctx, "tcp", s.addr())
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var c *gosmtp.Client
	if s.cfg.SMTP.Secure == "tls" {
		// NewClientStartTLS greets the server itself, so ClientHost is not sent.
		c, err = gosmtp.NewClientStartTLS(conn, s.tlsConfig())
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls %s: %w", s.addr(), err)
		}
	} else {
		c = gosmtp.NewClient(conn)
		if s.cfg.SMTP.ClientHost != "" {
			if err := c.Hello(s.cfg.SMTP.ClientHost); err != nil {
				c.Close()
				return nil, err
			}
		}
	}
	c.CommandTimeout = s.cfg.Timeout
	c.SubmissionTimeout = s.cfg.Timeout

	if s.cfg.SMTP.Username != "" {
		if err := c.Auth(s.saslClient()); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (s *SMTP) saslClient() sasl.Client {
	if s.cfg.SMTP.AuthMechanism == "login" {
		return sasl.NewLoginClient(s.cfg.SMTP.Username, s.cfg.SMTP.Password)
	}
	return sasl.NewPlainClient("", s.cfg.SMTP.Username, s.cfg.SMTP.Password)
}

// envelope returns the bare MAIL FROM address and the RCPT TO list. The
// return path, when set, overrides the header sender.
func envelope(msg *Message) (string, []string, error) {
	sender := msg.From
	if msg.ReturnPath != "" {
		sender = msg.ReturnPath
	}
	from, err := bareAddress(sender)
	if err != nil {
		return "", nil, fmt.Errorf("envelope sender: %w", err)
	}

	all := msg.Recipients()
	rcpts := make([]string, 0, len(all))
	for _, r := range all {
		addr, err := bareAddress(r)
		if err != nil {
			return "", nil, fmt.Errorf("envelope recipient: %w", err)
		}
		rcpts = append(rcpts, addr)
	}
	if len(rcpts) == 0 {
		return "", nil, fmt.Errorf("no recipients")
	}
	return from, rcpts, nil
}

func bareAddress(s string) (string, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("parse address %q: %w", s, err)
	}
	return a.Address, nil
}
