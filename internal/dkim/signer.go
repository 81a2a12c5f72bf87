// Package dkim signs outgoing messages with DKIM-Signature headers.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
)

// Config selects the signing key. Signing is disabled when Selector is empty.
type Config struct {
	Domain     string
	Selector   string
	KeyPath    string
	PrivateKey string
}

// Enabled reports whether any DKIM setting is present.
func (c Config) Enabled() bool {
	return c.Selector != "" || c.KeyPath != "" || c.PrivateKey != "" || c.Domain != ""
}

var defaultHeaderKeys = []string{
	"from",
	"to",
	"cc",
	"reply-to",
	"subject",
	"date",
	"mime-version",
	"content-type",
	"message-id",
}

// Signer applies DKIM signatures to rendered messages.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// New builds a Signer from cfg. It returns nil, nil when DKIM is not
// configured.
func New(cfg Config) (*Signer, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	selector := strings.TrimSpace(cfg.Selector)
	if selector == "" {
		return nil, errors.New("dkim: selector is required when enabling DKIM")
	}

	var pemData []byte
	switch {
	case cfg.PrivateKey != "":
		pemData = []byte(cfg.PrivateKey)
	case cfg.KeyPath != "":
		data, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, errors.New("dkim: provide key_path or private_key")
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}

	return &Signer{
		domain:     strings.ToLower(strings.TrimSpace(cfg.Domain)),
		selector:   selector,
		key:        key,
		headerKeys: defaultHeaderKeys,
	}, nil
}

// Selector returns the configured selector.
func (s *Signer) Selector() string {
	if s == nil {
		return ""
	}
	return s.selector
}

// Sign adds a DKIM-Signature header to raw. Messages that already carry a
// signature are returned unchanged. Without a configured domain, the domain
// of the From header is used.
func (s *Signer) Sign(raw []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return raw, nil
	}
	if hasSignature(raw) {
		return raw, nil
	}

	domain := s.domain
	if domain == "" {
		domain = senderDomain(raw)
	}
	if domain == "" {
		return nil, errors.New("dkim: unable to determine signing domain")
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	}

	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(normalizeLineEndings(raw)), opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, errors.New("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, errors.New("no private key found in PEM data")
}

func senderDomain(raw []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	addr, err := mail.ParseAddress(msg.Header.Get("From"))
	if err != nil {
		return ""
	}
	if i := strings.LastIndex(addr.Address, "@"); i >= 0 && i+1 < len(addr.Address) {
		return strings.ToLower(addr.Address[i+1:])
	}
	return ""
}

func hasSignature(raw []byte) bool {
	upper := bytes.ToUpper(raw)
	return bytes.HasPrefix(upper, []byte("DKIM-SIGNATURE:")) || bytes.Contains(upper, []byte("\nDKIM-SIGNATURE:"))
}

func normalizeLineEndings(data []byte) []byte {
	if bytes.Contains(data, []byte("\r\n")) || !bytes.Contains(data, []byte("\n")) {
		return data
	}
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}
