package smtp

import (
	"crypto/tls"
	"time"

	gosmtp "github.com/emersion/go-smtp"
)

// ServerConfig holds the listener settings for the intake server.
type ServerConfig struct {
	Addr              string
	Domain            string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	MaxRecipients     int
	AllowInsecureAuth bool
	// TLS enables STARTTLS when set.
	TLS *tls.Config
}

// NewServer wraps b in a go-smtp server configured from cfg.
func NewServer(b *Backend, cfg ServerConfig) *gosmtp.Server {
	s := gosmtp.NewServer(b)
	s.Addr = cfg.Addr
	s.Domain = cfg.Domain
	if s.Domain == "" {
		s.Domain = "mailqueue"
	}
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	s.AllowInsecureAuth = cfg.AllowInsecureAuth
	s.TLSConfig = cfg.TLS
	s.EnableSMTPUTF8 = true
	return s
}
