package emailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/sungwon/mailqueue/internal/provider"
	"github.com/sungwon/mailqueue/internal/renderer"
)

// ErrNoRenderer is returned by Compose when no renderer is configured.
var ErrNoRenderer = errors.New("emailer: no renderer configured")

// Compose renders the template called name and builds a message from it.
// The template is looked up in the templates directory, preferring the
// configured language. These params also shape the message:
//
//	subject, from, to      plain strings
//	cc, bcc                semicolon separated; invalid entries are skipped
//	replyTo                used when it is a valid address
//	sendEarliestAt         time.Time or RFC 3339 string
func (e *Emailer) Compose(ctx context.Context, name string, params map[string]any) (*provider.Message, error) {
	if e.renderer == nil {
		return nil, ErrNoRenderer
	}
	path, err := renderer.Locate(e.cfg.TemplatesDir, name, e.cfg.Language)
	if err != nil {
		return nil, err
	}
	html, err := e.renderer.Render(ctx, path, params)
	if err != nil {
		return nil, err
	}

	msg := provider.NewMessage()
	msg.HTMLBody = html
	msg.Subject = stringParam(params, "subject")
	msg.From = stringParam(params, "from")
	if to := stringParam(params, "to"); to != "" {
		msg.AddTo(to)
	}
	for _, addr := range addressList(stringParam(params, "cc")) {
		msg.AddCc(addr)
	}
	for _, addr := range addressList(stringParam(params, "bcc")) {
		msg.AddBcc(addr)
	}
	if replyTo := stringParam(params, "replyTo"); validAddress(replyTo) {
		msg.ReplyTo = replyTo
	}

	switch v := params["sendEarliestAt"].(type) {
	case time.Time:
		msg.SendEarliestAt = &v
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("parse sendEarliestAt: %w", err)
		}
		msg.SendEarliestAt = &t
	}
	return msg, nil
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func addressList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if validAddress(part) {
			out = append(out, part)
		}
	}
	return out
}

func validAddress(s string) bool {
	if s == "" {
		return false
	}
	_, err := mail.ParseAddress(s)
	return err == nil
}
