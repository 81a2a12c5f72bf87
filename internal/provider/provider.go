package provider

import (
	"context"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Provider delivers a fully built message over a mail transport.
type Provider interface {
	// Send delivers a message and returns a delivery result. Transport level
	// failures are reported as *TransportError.
	Send(ctx context.Context, msg *Message) (*DeliveryResult, error)
	// GetName returns the provider's identifier (e.g., "smtp", "sendmail").
	GetName() string
	// HealthCheck verifies the transport is reachable and functional.
	HealthCheck(ctx context.Context) error
}

// Message is an outgoing email as callers build it and as the dispatcher
// rebuilds it from the queue.
type Message struct {
	ID         string
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	ReplyTo    string
	ReturnPath string
	Priority   int
	Subject    string
	Headers    map[string]string
	TextBody   string
	HTMLBody   string

	// AttachmentPaths are local files the queue stages before dispatch.
	AttachmentPaths []AttachmentPath
	// Attachments carry loaded content and are what transports deliver.
	Attachments []Attachment

	// SendEarliestAt defers the first dispatch when set.
	SendEarliestAt *time.Time
}

// AttachmentPath declares a local file to attach under FileName.
type AttachmentPath struct {
	Path     string
	FileName string
}

// Attachment represents a single MIME attachment or inline part.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	ContentID   string // for inline images (cid:xxx)
	IsInline    bool
}

// DeliveryResult contains the outcome of a delivery attempt.
type DeliveryResult struct {
	ProviderMessageID string
	Status            DeliveryStatus
	Timestamp         time.Time
	Metadata          map[string]string
}

// DeliveryStatus represents the outcome of a delivery.
type DeliveryStatus string

const (
	StatusSent   DeliveryStatus = "sent"
	StatusFailed DeliveryStatus = "failed"
)

// NewMessage returns an empty message with the normal priority.
func NewMessage() *Message {
	return &Message{Priority: 3}
}

// AddTo sets the primary recipient. Further recipients are added as Cc.
func (m *Message) AddTo(addr string) *Message {
	if len(m.To) == 0 {
		m.To = append(m.To, addr)
	} else {
		m.Cc = append(m.Cc, addr)
	}
	return m
}

// AddCc appends a carbon-copy recipient.
func (m *Message) AddCc(addr string) *Message {
	m.Cc = append(m.Cc, addr)
	return m
}

// AddBcc appends a blind carbon-copy recipient.
func (m *Message) AddBcc(addr string) *Message {
	m.Bcc = append(m.Bcc, addr)
	return m
}

// AddAttachmentPath declares a local file attachment. When fileName is empty
// the base name of path is used. The name part is slugified and the
// extension kept.
func (m *Message) AddAttachmentPath(path, fileName string) *Message {
	if fileName == "" {
		fileName = filepath.Base(path)
	}
	m.AttachmentPaths = append(m.AttachmentPaths, AttachmentPath{
		Path:     path,
		FileName: WebalizeFileName(fileName),
	})
	return m
}

// Recipients returns every envelope recipient.
func (m *Message) Recipients() []string {
	all := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	all = append(all, m.To...)
	all = append(all, m.Cc...)
	all = append(all, m.Bcc...)
	return all
}

// HasBody reports whether either body carries non-whitespace content.
func (m *Message) HasBody() bool {
	return strings.TrimSpace(m.TextBody) != "" || strings.TrimSpace(m.HTMLBody) != ""
}

// WebalizeFileName turns "Quarterly Report (final).PDF" into
// "quarterly-report-final.PDF".
func WebalizeFileName(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		return Webalize(name)
	}
	return Webalize(base) + ext
}

// Webalize lowercases s, strips diacritics and replaces runs of anything
// other than ASCII letters and digits with a single dash.
func Webalize(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range norm.NFKD.String(s) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(unicode.ToLower(r))
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
