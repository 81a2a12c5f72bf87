// Package mimeparse turns raw RFC 5322 submissions into outgoing messages,
// extracting addresses, decoded headers, bodies and attachments.
package mimeparse

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strconv"
	"strings"

	"github.com/sungwon/mailqueue/internal/provider"
)

var wordDecoder = new(mime.WordDecoder)

// ParsedMessage holds the parts extracted from a raw message.
type ParsedMessage struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	ReplyTo     string
	ReturnPath  string
	Priority    int
	Subject     string
	Headers     mail.Header
	TextBody    string
	HTMLBody    string
	Attachments []provider.Attachment
}

// Parse parses a raw message. Single-part bodies land in TextBody or
// HTMLBody by Content-Type; multipart bodies are walked recursively and the
// first text/plain and text/html parts become the bodies.
func Parse(raw []byte) (*ParsedMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("mimeparse: read message: %w", err)
	}

	parsed := &ParsedMessage{
		Headers:  msg.Header,
		Subject:  decodeHeader(msg.Header.Get("Subject")),
		Priority: parsePriority(msg.Header.Get("X-Priority")),
	}
	if err := parsed.readAddresses(msg.Header); err != nil {
		return nil, err
	}

	contentType := msg.Header.Get("Content-Type")
	transferEncoding := msg.Header.Get("Content-Transfer-Encoding")

	mediaType, params := "text/plain", map[string]string(nil)
	if contentType != "" {
		mediaType, params, err = mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("mimeparse: parse Content-Type: %w", err)
		}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("mimeparse: multipart message missing boundary")
		}
		if err := parsed.walk(msg.Body, boundary); err != nil {
			return nil, err
		}
		return parsed, nil
	}

	body, err := decodeBody(msg.Body, transferEncoding)
	if err != nil {
		return nil, fmt.Errorf("mimeparse: read body: %w", err)
	}
	if mediaType == "text/html" {
		parsed.HTMLBody = string(body)
	} else {
		parsed.TextBody = string(body)
	}
	return parsed, nil
}

// Message converts the parsed submission into an outgoing message. Envelope
// recipients that are missing from the headers are delivered as Bcc.
func (p *ParsedMessage) Message(envelopeFrom string, envelopeTo []string) *provider.Message {
	m := provider.NewMessage()
	m.From = p.From
	if m.From == "" {
		m.From = envelopeFrom
	}
	m.To = append(m.To, p.To...)
	m.Cc = append(m.Cc, p.Cc...)
	m.Bcc = append(m.Bcc, p.Bcc...)
	m.ReplyTo = p.ReplyTo
	m.ReturnPath = p.ReturnPath
	if p.Priority > 0 {
		m.Priority = p.Priority
	}
	m.Subject = p.Subject
	m.TextBody = p.TextBody
	m.HTMLBody = p.HTMLBody
	m.Attachments = append(m.Attachments, p.Attachments...)

	seen := make(map[string]bool)
	for _, a := range m.Recipients() {
		seen[strings.ToLower(bareAddress(a))] = true
	}
	for _, rcpt := range envelopeTo {
		if seen[strings.ToLower(rcpt)] {
			continue
		}
		seen[strings.ToLower(rcpt)] = true
		if len(m.To) == 0 {
			m.To = append(m.To, rcpt)
		} else {
			m.Bcc = append(m.Bcc, rcpt)
		}
	}
	return m
}

func (p *ParsedMessage) readAddresses(h mail.Header) error {
	list := func(key string) ([]string, error) {
		if h.Get(key) == "" {
			return nil, nil
		}
		addrs, err := h.AddressList(key)
		if err != nil {
			return nil, fmt.Errorf("mimeparse: parse %s: %w", key, err)
		}
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, formatAddress(a))
		}
		return out, nil
	}

	from, err := list("From")
	if err != nil {
		return err
	}
	if len(from) > 0 {
		p.From = from[0]
	}
	if p.To, err = list("To"); err != nil {
		return err
	}
	if p.Cc, err = list("Cc"); err != nil {
		return err
	}
	if p.Bcc, err = list("Bcc"); err != nil {
		return err
	}
	replyTo, err := list("Reply-To")
	if err != nil {
		return err
	}
	if len(replyTo) > 0 {
		p.ReplyTo = replyTo[0]
	}
	if rp := strings.Trim(strings.TrimSpace(h.Get("Return-Path")), "<>"); rp != "" {
		p.ReturnPath = rp
	}
	return nil
}

func (p *ParsedMessage) walk(r io.Reader, boundary string) error {
	mr := multipart.NewReader(r, boundary)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mimeparse: read next part: %w", err)
		}

		mediaType := "text/plain"
		var params map[string]string
		if ct := part.Header.Get("Content-Type"); ct != "" {
			mediaType, params, err = mime.ParseMediaType(ct)
			if err != nil {
				mediaType = "application/octet-stream"
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if nested := params["boundary"]; nested != "" {
				if err := p.walk(part, nested); err != nil {
					return err
				}
			}
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return fmt.Errorf("mimeparse: read part body: %w", err)
		}

		disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		isAttachment := strings.EqualFold(disposition, "attachment")

		switch {
		case !isAttachment && mediaType == "text/plain" && p.TextBody == "":
			p.TextBody = string(body)
		case !isAttachment && mediaType == "text/html" && p.HTMLBody == "":
			p.HTMLBody = string(body)
		default:
			filename := dispParams["filename"]
			if filename == "" {
				filename = params["name"]
			}
			p.Attachments = append(p.Attachments, provider.Attachment{
				Filename:    decodeHeader(filename),
				ContentType: mediaType,
				Content:     body,
				ContentID:   strings.Trim(part.Header.Get("Content-Id"), "<>"),
				IsInline:    strings.EqualFold(disposition, "inline"),
			})
		}
	}
}

// decodeBody reads r, undoing base64 or quoted-printable transfer encoding.
// multipart.Reader already strips quoted-printable for parts, so the
// decoding here only applies where the header survived.
func decodeBody(r io.Reader, transferEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, r))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

func decodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// parsePriority reads X-Priority values such as "1" or "1 (Highest)".
func parsePriority(v string) int {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, ' '); i > 0 {
		v = v[:i]
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func formatAddress(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return a.String()
}

func bareAddress(s string) string {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return s
	}
	return a.Address
}
