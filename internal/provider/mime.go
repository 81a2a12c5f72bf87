package provider

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/sungwon/mailqueue/internal/htmltext"
)

// BuildMIME renders msg as an RFC 5322 message. Bcc recipients are left out
// of the headers; the text alternative is derived from the HTML body when
// the message carries only HTML.
func BuildMIME(msg *Message, now time.Time, hostname string) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)

	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("parse from %q: %w", msg.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	if err := setAddressList(&h, "To", msg.To); err != nil {
		return nil, err
	}
	if err := setAddressList(&h, "Cc", msg.Cc); err != nil {
		return nil, err
	}
	if msg.ReplyTo != "" {
		if err := setAddressList(&h, "Reply-To", []string{msg.ReplyTo}); err != nil {
			return nil, err
		}
	}
	h.SetSubject(msg.Subject)
	if msg.ID != "" {
		if hostname == "" {
			hostname = "localhost"
		}
		h.SetMessageID(msg.ID + "@" + hostname)
	}
	if msg.Priority > 0 {
		h.Set("X-Priority", strconv.Itoa(msg.Priority))
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, msg.Headers[k])
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mime writer: %w", err)
	}

	text := msg.TextBody
	if text == "" && msg.HTMLBody != "" {
		text = htmltext.Convert(msg.HTMLBody)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline part: %w", err)
	}
	if err := writeInline(tw, "text/plain", text); err != nil {
		return nil, err
	}
	if msg.HTMLBody != "" {
		if err := writeInline(tw, "text/html", msg.HTMLBody); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline part: %w", err)
	}

	for _, a := range msg.Attachments {
		if err := writeAttachment(mw, a); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mime writer: %w", err)
	}
	return buf.Bytes(), nil
}

func setAddressList(h *mail.Header, key string, addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}
	list := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", key, a, err)
		}
		list = append(list, parsed)
	}
	h.SetAddressList(key, list)
	return nil
}

func writeInline(tw *mail.InlineWriter, contentType, body string) error {
	var ih mail.InlineHeader
	ih.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ih)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

func writeAttachment(mw *mail.Writer, a Attachment) error {
	ct := a.ContentType
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(a.Filename))
	}
	if ct == "" {
		ct = "application/octet-stream"
	}

	var ah mail.AttachmentHeader
	ah.Set("Content-Type", ct)
	ah.SetFilename(a.Filename)
	if a.ContentID != "" {
		ah.Set("Content-Id", "<"+a.ContentID+">")
	}
	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("create attachment %s: %w", a.Filename, err)
	}
	if _, err := w.Write(a.Content); err != nil {
		return fmt.Errorf("write attachment %s: %w", a.Filename, err)
	}
	return w.Close()
}
