package provider

import (
	"errors"
	"fmt"
	"time"
)

// Config selects and configures the delivery transport.
type Config struct {
	// Type identifies the transport: "smtp", "sendmail", "stdout", "file".
	Type string

	SMTP SMTPConfig

	// SendmailPath is the sendmail-compatible binary used by the sendmail
	// transport.
	SendmailPath string

	// OutputDir is where the file transport writes .eml files.
	OutputDir string

	// Hostname is used in generated Message-Id headers.
	Hostname string

	// Timeout bounds a single delivery.
	Timeout time.Duration
}

// SMTPConfig holds the relay connection settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Secure is "" for plain, "tls" for STARTTLS, "ssl" for implicit TLS.
	Secure string
	// ClientHost is announced in EHLO. Empty uses the library default.
	ClientHost string
	// AuthMechanism is "plain" (default) or "login".
	AuthMechanism      string
	InsecureSkipVerify bool
}

const (
	defaultTimeout      = 30 * time.Second
	defaultSendmailPath = "/usr/sbin/sendmail"
)

// Validate checks that required fields are set based on transport type and
// fills in defaults.
func (c *Config) Validate() error {
	if c.Type == "" {
		return errors.New("provider type is required")
	}

	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}

	switch c.Type {
	case "smtp":
		if c.SMTP.Host == "" {
			return errors.New("smtp: host is required")
		}
		switch c.SMTP.Secure {
		case "", "tls", "ssl":
		default:
			return fmt.Errorf("smtp: unsupported secure mode %q", c.SMTP.Secure)
		}
		if c.SMTP.Port == 0 {
			c.SMTP.Port = defaultSMTPPort(c.SMTP.Secure)
		}
		switch c.SMTP.AuthMechanism {
		case "", "plain", "login":
		default:
			return fmt.Errorf("smtp: unsupported auth mechanism %q", c.SMTP.AuthMechanism)
		}
	case "sendmail":
		if c.SendmailPath == "" {
			c.SendmailPath = defaultSendmailPath
		}
	case "stdout":
		// No configuration required.
	case "file":
		// OutputDir is optional (defaults to ./mail_output).
	default:
		return errors.New("unknown provider type: " + c.Type)
	}

	return nil
}

func defaultSMTPPort(secure string) int {
	switch secure {
	case "ssl":
		return 465
	case "tls":
		return 587
	}
	return 25
}
