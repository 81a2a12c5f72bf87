package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Stdout implements the Provider interface by writing a message summary to
// standard output. Intended for development; messages are never delivered.
type Stdout struct {
	writer io.Writer
}

// NewStdout creates a Stdout provider that prints messages to os.Stdout.
func NewStdout(_ Config) *Stdout {
	return &Stdout{writer: os.Stdout}
}

func (s *Stdout) GetName() string { return "stdout" }

// Send prints the message details and returns a successful result.
func (s *Stdout) Send(_ context.Context, msg *Message) (*DeliveryResult, error) {
	var b strings.Builder
	b.WriteString("--- stdout provider: message ---\n")
	fmt.Fprintf(&b, "ID:       %s\n", msg.ID)
	fmt.Fprintf(&b, "From:     %s\n", msg.From)
	fmt.Fprintf(&b, "To:       %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc:       %s\n", strings.Join(msg.Cc, ", "))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc:      %s\n", strings.Join(msg.Bcc, ", "))
	}
	fmt.Fprintf(&b, "Subject:  %s\n", msg.Subject)
	fmt.Fprintf(&b, "Priority: %d\n", msg.Priority)
	fmt.Fprintf(&b, "Text:     (%d bytes)\n", len(msg.TextBody))
	fmt.Fprintf(&b, "HTML:     (%d bytes)\n", len(msg.HTMLBody))
	for _, a := range msg.Attachments {
		fmt.Fprintf(&b, "Attach:   %s (%d bytes)\n", a.Filename, len(a.Content))
	}
	b.WriteString("--- end ---\n")

	if _, err := io.WriteString(s.writer, b.String()); err != nil {
		return nil, &TransportError{Provider: s.GetName(), Message: "write: " + err.Error(), Err: err}
	}

	return &DeliveryResult{
		ProviderMessageID: "stdout-" + msg.ID,
		Status:            StatusSent,
		Timestamp:         time.Now(),
	}, nil
}

// HealthCheck always returns nil since stdout is always available.
func (s *Stdout) HealthCheck(_ context.Context) error {
	return nil
}
