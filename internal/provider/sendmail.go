package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Sendmail delivers messages by piping them to a local sendmail binary.
type Sendmail struct {
	path   string
	host   string
	signer Signer
	now    func() time.Time
}

// NewSendmail creates a sendmail transport. cfg must already be validated.
func NewSendmail(cfg Config, signer Signer) *Sendmail {
	return &Sendmail{
		path:   cfg.SendmailPath,
		host:   cfg.Hostname,
		signer: signer,
		now:    time.Now,
	}
}

func (s *Sendmail) GetName() string { return "sendmail" }

// Send renders msg and writes it to sendmail's stdin with an explicit
// envelope, so Bcc recipients are delivered without appearing in headers.
func (s *Sendmail) Send(ctx context.Context, msg *Message) (*DeliveryResult, error) {
	raw, err := BuildMIME(msg, s.now(), s.host)
	if err != nil {
		return nil, fmt.Errorf("sendmail: build message: %w", err)
	}
	if raw, err = sign(s.signer, raw); err != nil {
		return nil, fmt.Errorf("sendmail: %w", err)
	}

	from, rcpts, err := envelope(msg)
	if err != nil {
		return nil, fmt.Errorf("sendmail: %w", err)
	}

	args := append([]string{"-i", "-f", from, "--"}, rcpts...)
	cmd := exec.CommandContext(ctx, s.path, args...)
	cmd.Stdin = bytes.NewReader(raw)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, &TransportError{Provider: s.GetName(), Message: detail, Err: err}
	}

	return &DeliveryResult{
		ProviderMessageID: msg.ID,
		Status:            StatusSent,
		Timestamp:         s.now(),
	}, nil
}

// HealthCheck verifies the sendmail binary is resolvable.
func (s *Sendmail) HealthCheck(_ context.Context) error {
	if _, err := exec.LookPath(s.path); err != nil {
		return fmt.Errorf("sendmail: %w", err)
	}
	return nil
}
