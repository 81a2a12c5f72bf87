// Package serializer converts outgoing messages to queue records and back.
package serializer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/sungwon/mailqueue/internal/email"
	"github.com/sungwon/mailqueue/internal/htmltext"
	"github.com/sungwon/mailqueue/internal/provider"
	"github.com/sungwon/mailqueue/internal/staging"
)

// MaxSubjectLength is the rune limit for subjects derived from the body.
const MaxSubjectLength = 128

const ellipsis = "…"

// Config carries the mailer defaults applied while serializing.
type Config struct {
	From       string
	FromName   string
	DefaultBcc []string
	Mode       staging.Mode
}

// Serializer owns the Message <-> RawPayload round trip and the staged
// attachment lifecycle of a record.
type Serializer struct {
	cfg   Config
	store staging.Store
	now   func() time.Time
}

// New creates a Serializer backed by store.
func New(cfg Config, store staging.Store) *Serializer {
	if cfg.Mode == "" {
		cfg.Mode = staging.ModeRetain
	}
	return &Serializer{cfg: cfg, store: store, now: time.Now}
}

// Mode returns the configured attachment mode.
func (s *Serializer) Mode() staging.Mode { return s.cfg.Mode }

// ToRecord builds the persisted payload for msg.
func (s *Serializer) ToRecord(msg *provider.Message) (*email.RawPayload, error) {
	from := strings.TrimSpace(msg.From)
	if from == "" {
		from = s.defaultFrom()
	}
	if from == "" {
		return nil, email.ErrMissingFrom
	}
	if !hasAddress(msg.To) {
		return nil, email.ErrMissingTo
	}

	raw := &email.RawPayload{
		From:       from,
		To:         nonEmpty(msg.To),
		Cc:         nonEmpty(msg.Cc),
		Bcc:        append(nonEmpty(msg.Bcc), nonEmpty(s.cfg.DefaultBcc)...),
		ReplyTo:    strings.TrimSpace(msg.ReplyTo),
		ReturnPath: strings.TrimSpace(msg.ReturnPath),
		Subject:    msg.Subject,
		HTMLBody:   msg.HTMLBody,
		TextBody:   msg.TextBody,
	}
	raw.SetPriority(msg.Priority)
	if strings.TrimSpace(raw.Subject) == "" {
		raw.Subject = DeriveSubject(msg.TextBody, msg.HTMLBody)
	}
	for _, a := range msg.AttachmentPaths {
		raw.Attachments = append(raw.Attachments, email.StoredAttachment{Path: a.Path, FileName: a.FileName})
	}
	return raw, nil
}

func (s *Serializer) defaultFrom() string {
	from := strings.TrimSpace(s.cfg.From)
	if from == "" {
		return ""
	}
	if name := strings.TrimSpace(s.cfg.FromName); name != "" {
		return name + " <" + from + ">"
	}
	return from
}

// Stage copies every declared attachment of rec into the staging area. Staged
// names carry the declaration index, so equal file names stay distinct. A
// missing source file aborts staging and leaves the record not ready.
func (s *Serializer) Stage(ctx context.Context, rec *email.Record) error {
	if rec.Raw == nil {
		return fmt.Errorf("stage attachments: record %s has no payload", rec.ID)
	}
	for i, a := range rec.Raw.Attachments {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return fmt.Errorf("stage attachment %s: %w", a.Path, err)
		}
		name := a.FileName
		if name == "" {
			name = provider.WebalizeFileName(filepath.Base(a.Path))
		}
		if err := s.store.Put(ctx, rec.ID.String(), stagedName(i, name), data); err != nil {
			return fmt.Errorf("stage attachment %s: %w", a.Path, err)
		}
	}
	return nil
}

// ToMessage rebuilds the outgoing message for rec, tagging the HTML body
// with a tracking marker and loading staged attachments. In consume mode
// each staged file is deleted once read.
func (s *Serializer) ToMessage(ctx context.Context, rec *email.Record) (*provider.Message, error) {
	raw := rec.Raw
	if raw == nil {
		return nil, fmt.Errorf("build message: record %s has no payload", rec.ID)
	}

	msg := &provider.Message{
		ID:         rec.ID.String(),
		From:       raw.From,
		To:         append([]string(nil), raw.To...),
		Cc:         append([]string(nil), raw.Cc...),
		Bcc:        append([]string(nil), raw.Bcc...),
		ReplyTo:    raw.ReplyTo,
		ReturnPath: raw.ReturnPath,
		Priority:   raw.Priority,
		Subject:    raw.Subject,
		TextBody:   raw.TextBody,
		HTMLBody:   raw.HTMLBody,
	}
	if strings.TrimSpace(msg.HTMLBody) != "" {
		msg.HTMLBody = InjectMarker(msg.HTMLBody, TrackingMarker(rec.ID, s.now()))
	}

	if s.store == nil {
		return msg, nil
	}
	recordID := rec.ID.String()
	names, err := s.store.List(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	for _, name := range names {
		data, err := s.store.Read(ctx, recordID, name)
		if err != nil {
			if errors.Is(err, staging.ErrNotFound) {
				return nil, fmt.Errorf("attachment %q not found", name)
			}
			return nil, fmt.Errorf("read attachment %s: %w", name, err)
		}
		msg.Attachments = append(msg.Attachments, provider.Attachment{Filename: attachmentName(name), Content: data})

		if s.cfg.Mode == staging.ModeConsume {
			if err := s.store.Remove(ctx, recordID, name); err != nil {
				return nil, fmt.Errorf("consume attachment %s: %w", name, err)
			}
		}
	}
	return msg, nil
}

// Release deletes whatever is still staged for rec. The dispatcher calls it
// once the record is sent.
func (s *Serializer) Release(ctx context.Context, rec *email.Record) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Purge(ctx, rec.ID.String()); err != nil {
		return fmt.Errorf("release attachments: %w", err)
	}
	return nil
}

func stagedName(index int, name string) string {
	return fmt.Sprintf("%03d-%s", index, name)
}

// attachmentName strips the index prefix added by stagedName.
func attachmentName(staged string) string {
	prefix, rest, ok := strings.Cut(staged, "-")
	if !ok || rest == "" || prefix == "" {
		return staged
	}
	for _, c := range prefix {
		if c < '0' || c > '9' {
			return staged
		}
	}
	return rest
}

// TrackingMarker returns the hidden element identifying id in delivered HTML.
func TrackingMarker(id uuid.UUID, day time.Time) string {
	return `<div style="color:white;font-size:1pt" id="pair__token">` +
		id.String() + "_" + day.Format("2006-01-02") + `</div>`
}

// InjectMarker places marker right before the first </body>, or appends it
// when the document has no closing body tag.
func InjectMarker(body, marker string) string {
	if i := strings.Index(strings.ToLower(body), "</body>"); i >= 0 {
		return body[:i] + marker + body[i:]
	}
	return body + marker
}

// DeriveSubject builds a subject from the text body, or from the HTML body
// when there is no text. Markup and asterisks are removed, whitespace is
// collapsed and the result is cut to MaxSubjectLength runes.
func DeriveSubject(text, html string) string {
	if strings.TrimSpace(text) == "" {
		text = htmltext.Convert(html)
	}
	s := htmltext.StripTags(text)
	s = strings.ReplaceAll(s, "*", "")
	s = strings.Join(strings.Fields(s), " ")
	return truncate(s, MaxSubjectLength)
}

// truncate cuts s to at most n runes including the ellipsis, preferring a
// word boundary.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	limit := n - len([]rune(ellipsis))
	cut := runes[:limit]
	if i := lastBoundary(runes, limit); i > 0 {
		cut = runes[:i]
	}
	return strings.TrimRightFunc(string(cut), unicode.IsSpace) + ellipsis
}

// lastBoundary returns the largest i <= limit where runes[i] is a space or
// punctuation, or 0 when there is none.
func lastBoundary(runes []rune, limit int) int {
	for i := limit; i > 0; i-- {
		if i < len(runes) && (unicode.IsSpace(runes[i]) || unicode.IsPunct(runes[i])) {
			return i
		}
	}
	return 0
}

func hasAddress(list []string) bool {
	for _, a := range list {
		if strings.TrimSpace(a) != "" {
			return true
		}
	}
	return false
}

func nonEmpty(list []string) []string {
	var out []string
	for _, a := range list {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
