// Package main provides a standalone CLI tool for sending test emails
// through the mailqueue SMTP intake. It supports STARTTLS, implicit TLS,
// plaintext connections, SMTP AUTH PLAIN, and batch sending with rate limiting.
//
// Usage:
//
//	test-client --from sender@example.com --to recipient@example.com --subject "Test" --body "Hello"
//	test-client --tls starttls --insecure --count 10 --rate 5
package main

import (
	"bytes"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

type config struct {
	host     string
	port     int
	tlsMode  string
	insecure bool
	user     string
	password string
	from     string
	to       stringSlice
	subject  string
	body     string
	count    int
	rate     float64
}

// stringSlice implements flag.Value for repeatable --to flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	cfg := parseFlags()

	if cfg.from == "" {
		fmt.Fprintln(os.Stderr, "error: --from is required")
		flag.Usage()
		os.Exit(2)
	}
	if len(cfg.to) == 0 {
		fmt.Fprintln(os.Stderr, "error: at least one --to is required")
		flag.Usage()
		os.Exit(2)
	}

	addr := fmt.Sprintf("%s:%d", cfg.host, cfg.port)

	fmt.Printf("SMTP Test Client\n")
	fmt.Printf("  Server:   %s\n", addr)
	fmt.Printf("  TLS:      %s\n", cfg.tlsMode)
	fmt.Printf("  From:     %s\n", cfg.from)
	fmt.Printf("  To:       %s\n", strings.Join(cfg.to, ", "))
	fmt.Printf("  Count:    %d\n", cfg.count)
	if cfg.count > 1 {
		fmt.Printf("  Rate:     %.1f emails/sec\n", cfg.rate)
	}
	fmt.Println()

	var (
		successCount int
		failCount    int
		totalSend    time.Duration
	)

	interval := time.Duration(0)
	if cfg.count > 1 && cfg.rate > 0 {
		interval = time.Duration(float64(time.Second) / cfg.rate)
	}

	for i := 0; i < cfg.count; i++ {
		if i > 0 && interval > 0 {
			time.Sleep(interval)
		}

		seq := i + 1
		subject := cfg.subject
		body := cfg.body
		if cfg.count > 1 {
			subject = fmt.Sprintf("%s [%d/%d]", cfg.subject, seq, cfg.count)
			body = fmt.Sprintf("%s\n\n-- Email %d of %d --", cfg.body, seq, cfg.count)
		}

		sendStart := time.Now()
		err := sendEmail(cfg, addr, subject, body)
		sendDuration := time.Since(sendStart)
		totalSend += sendDuration

		if err != nil {
			failCount++
			fmt.Printf("  [%d/%d] FAIL (%s): %v\n", seq, cfg.count, sendDuration, err)
		} else {
			successCount++
			fmt.Printf("  [%d/%d] OK   (%s)\n", seq, cfg.count, sendDuration)
		}
	}

	fmt.Println()
	fmt.Printf("Results: %d sent, %d failed, total time %s\n", successCount, failCount, totalSend)

	if failCount > 0 {
		os.Exit(1)
	}
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.host, "host", "localhost", "SMTP server host")
	flag.IntVar(&cfg.port, "port", 2525, "SMTP server port")
	flag.StringVar(&cfg.tlsMode, "tls", "starttls", "TLS mode: starttls, implicit, none")
	flag.BoolVar(&cfg.insecure, "insecure", false, "Skip TLS certificate verification")
	flag.StringVar(&cfg.user, "user", "", "SMTP AUTH username")
	flag.StringVar(&cfg.password, "password", "", "SMTP AUTH password")
	flag.StringVar(&cfg.from, "from", "", "Sender email address")
	flag.Var(&cfg.to, "to", "Recipient email address (can be specified multiple times)")
	flag.StringVar(&cfg.subject, "subject", "Test Email", "Email subject")
	flag.StringVar(&cfg.body, "body", "This is a test email sent by the mailqueue test-client.", "Email body")
	flag.IntVar(&cfg.count, "count", 1, "Number of emails to send (for batch testing)")
	flag.Float64Var(&cfg.rate, "rate", 1, "Emails per second for batch sending")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: test-client [options]\n\n")
		fmt.Fprintf(os.Stderr, "A CLI tool for sending test emails through the mailqueue SMTP intake.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  test-client --from test@example.com --to recipient@example.com\n")
		fmt.Fprintf(os.Stderr, "  test-client --tls none --from test@example.com --to recipient@example.com\n")
		fmt.Fprintf(os.Stderr, "  test-client --insecure --user admin --password secret --from test@example.com --to recipient@example.com\n")
		fmt.Fprintf(os.Stderr, "  test-client --count 100 --rate 10 --from test@example.com --to recipient@example.com\n")
	}

	flag.Parse()
	return cfg
}

func sendEmail(cfg config, addr, subject, body string) error {
	tlsConfig := &tls.Config{
		ServerName:         cfg.host,
		InsecureSkipVerify: cfg.insecure, //nolint:gosec // Intentional for dev self-signed certs.
	}

	msg, err := buildMessage(cfg.from, cfg.to, subject, body)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	var c *gosmtp.Client
	switch cfg.tlsMode {
	case "none":
		c, err = gosmtp.Dial(addr)
	case "implicit":
		c, err = gosmtp.DialTLS(addr, tlsConfig)
	case "starttls":
		c, err = gosmtp.DialStartTLS(addr, tlsConfig)
	default:
		return fmt.Errorf("unknown TLS mode: %s (use starttls, implicit, or none)", cfg.tlsMode)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	return smtpSend(c, cfg, msg)
}

func smtpSend(c *gosmtp.Client, cfg config, msg []byte) error {
	// Authenticate if credentials are provided.
	if cfg.user != "" && cfg.password != "" {
		if err := c.Auth(sasl.NewPlainClient("", cfg.user, cfg.password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.SendMail(cfg.from, cfg.to, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	return c.Quit()
}

func buildMessage(from string, to []string, subject, body string) ([]byte, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from: %w", err)
	}
	toAddrs, err := mail.ParseAddressList(strings.Join(to, ", "))
	if err != nil {
		return nil, fmt.Errorf("parse to: %w", err)
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{fromAddr})
	h.SetAddressList("To", toAddrs)
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
