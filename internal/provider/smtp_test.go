package provider

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
)

type recordingBackend struct {
	mu         sync.Mutex
	from       string
	rcpts      []string
	data       []byte
	overTLS    bool
	rejectRcpt string
}

func (b *recordingBackend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &recordingSession{backend: b, conn: c}, nil
}

type recordingSession struct {
	backend *recordingBackend
	conn    *gosmtp.Conn
	from    string
	rcpts   []string
}

func (s *recordingSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *recordingSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if to == s.backend.rejectRcpt {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "mailbox unavailable",
		}
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *recordingSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.from = s.from
	s.backend.rcpts = s.rcpts
	s.backend.data = data
	if s.conn != nil {
		_, s.backend.overTLS = s.conn.TLSConnectionState()
	}
	return nil
}

func (s *recordingSession) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *recordingSession) Logout() error { return nil }

func startTestServer(t *testing.T, be *recordingBackend) int {
	t.Helper()
	return startTestServerTLS(t, be, nil)
}

// startTestServerTLS starts a server that offers STARTTLS when tlsConfig is
// set.
func startTestServerTLS(t *testing.T, be *recordingBackend, tlsConfig *tls.Config) int {
	t.Helper()

	srv := gosmtp.NewServer(be)
	srv.TLSConfig = tlsConfig
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return ln.Addr().(*net.TCPAddr).Port
}

func newTestSMTP(t *testing.T, port int, signer Signer) *SMTP {
	t.Helper()
	cfg := Config{Type: "smtp", Timeout: 5 * time.Second, SMTP: SMTPConfig{Host: "127.0.0.1", Port: port}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return NewSMTP(cfg, signer)
}

func TestSMTP_Send(t *testing.T) {
	be := &recordingBackend{}
	port := startTestServer(t, be)
	p := newTestSMTP(t, port, &fakeSigner{prefix: "DKIM-Signature: test\r\n"})

	msg := &Message{
		ID:         "0190f6d2-aaaa-7000-8000-000000000001",
		From:       "Shop <shop@example.com>",
		To:         []string{"a@example.com"},
		Cc:         []string{"Bee <b@example.com>"},
		Bcc:        []string{"c@example.com"},
		ReturnPath: "bounce@example.com",
		Subject:    "Order shipped",
		TextBody:   "Your order is on its way.",
	}

	result, err := p.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.Status != StatusSent {
		t.Errorf("Status = %s, want sent", result.Status)
	}

	be.mu.Lock()
	defer be.mu.Unlock()
	if be.from != "bounce@example.com" {
		t.Errorf("MAIL FROM = %q, want bounce@example.com", be.from)
	}
	if strings.Join(be.rcpts, ",") != "a@example.com,b@example.com,c@example.com" {
		t.Errorf("RCPT TO = %v", be.rcpts)
	}
	if !bytes.HasPrefix(be.data, []byte("DKIM-Signature: test\r\n")) {
		t.Error("expected signed message to be submitted")
	}
	if !bytes.Contains(be.data, []byte("Subject: Order shipped")) {
		t.Error("expected subject in submitted data")
	}
	if bytes.Contains(be.data, []byte("c@example.com")) {
		t.Error("Bcc recipient leaked into message headers")
	}
}

func selfSignedServerTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

func TestSMTP_Send_StartTLS(t *testing.T) {
	be := &recordingBackend{}
	port := startTestServerTLS(t, be, selfSignedServerTLS(t))

	cfg := Config{Type: "smtp", Timeout: 5 * time.Second, SMTP: SMTPConfig{
		Host:               "127.0.0.1",
		Port:               port,
		Secure:             "tls",
		ClientHost:         "relay.example.com",
		InsecureSkipVerify: true,
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	p := NewSMTP(cfg, nil)

	_, err := p.Send(context.Background(), &Message{ID: "x", From: "shop@example.com", To: []string{"a@example.com"}, TextBody: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	be.mu.Lock()
	defer be.mu.Unlock()
	if !be.overTLS {
		t.Error("expected the message to be submitted after STARTTLS")
	}
	if strings.Join(be.rcpts, ",") != "a@example.com" {
		t.Errorf("RCPT TO = %v", be.rcpts)
	}
}

func TestSMTP_Send_StartTLSUnsupported(t *testing.T) {
	port := startTestServer(t, &recordingBackend{})

	cfg := Config{Type: "smtp", Timeout: 5 * time.Second, SMTP: SMTPConfig{Host: "127.0.0.1", Port: port, Secure: "tls"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	p := NewSMTP(cfg, nil)

	_, err := p.Send(context.Background(), &Message{ID: "x", From: "shop@example.com", To: []string{"a@example.com"}, TextBody: "hi"})
	if err == nil {
		t.Fatal("expected error when the server does not offer STARTTLS")
	}
}

func TestSMTP_Send_RecipientRejected(t *testing.T) {
	be := &recordingBackend{rejectRcpt: "nobody@example.com"}
	port := startTestServer(t, be)
	p := newTestSMTP(t, port, nil)

	_, err := p.Send(context.Background(), &Message{
		ID:       "x",
		From:     "shop@example.com",
		To:       []string{"nobody@example.com"},
		TextBody: "hi",
	})
	if err == nil {
		t.Fatal("expected rejection error")
	}

	te, ok := err.(*TransportError)
	if !ok {
		t.Fatalf("error type = %T, want *TransportError", err)
	}
	if te.Code != 550 {
		t.Errorf("Code = %d, want 550", te.Code)
	}
	if te.EnhancedCode != "5.1.1" {
		t.Errorf("EnhancedCode = %q, want 5.1.1", te.EnhancedCode)
	}
	if !te.Permanent {
		t.Error("expected 5xx rejection to be permanent")
	}
}

func TestSMTP_Send_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	p := newTestSMTP(t, port, nil)
	_, err = p.Send(context.Background(), &Message{ID: "x", From: "a@example.com", To: []string{"b@example.com"}, TextBody: "hi"})
	if !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if IsPermanent(err) {
		t.Error("connection failures must be transient")
	}
}

func TestSMTP_Send_BuildFailureIsNotTransport(t *testing.T) {
	p := newTestSMTP(t, 1, nil)

	_, err := p.Send(context.Background(), &Message{ID: "x", From: "broken", To: []string{"b@example.com"}, TextBody: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransportError(err) {
		t.Errorf("expected preparation error, got transport error %v", err)
	}
}

func TestSMTP_HealthCheck(t *testing.T) {
	port := startTestServer(t, &recordingBackend{})
	p := newTestSMTP(t, port, nil)

	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestEnvelope(t *testing.T) {
	tests := []struct {
		name      string
		msg       Message
		wantFrom  string
		wantRcpts string
		wantErr   bool
	}{
		{
			name:      "header sender",
			msg:       Message{From: "Shop <shop@example.com>", To: []string{"A <a@example.com>"}},
			wantFrom:  "shop@example.com",
			wantRcpts: "a@example.com",
		},
		{
			name:      "return path overrides sender",
			msg:       Message{From: "shop@example.com", ReturnPath: "bounce@example.com", To: []string{"a@example.com"}, Bcc: []string{"b@example.com"}},
			wantFrom:  "bounce@example.com",
			wantRcpts: "a@example.com,b@example.com",
		},
		{
			name:    "no recipients",
			msg:     Message{From: "shop@example.com"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			from, rcpts, err := envelope(&msg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("envelope() error = %v", err)
			}
			if from != tt.wantFrom {
				t.Errorf("from = %q, want %q", from, tt.wantFrom)
			}
			if got := strings.Join(rcpts, ","); got != tt.wantRcpts {
				t.Errorf("rcpts = %q, want %q", got, tt.wantRcpts)
			}
		})
	}
}
