package mimeparse

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/sungwon/mailqueue/internal/provider"
)

func TestParse_PlainTextOnly(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"To: recipient@example.com\r\n" +
		"Subject: Hello\r\n" +
		"\r\n" +
		"This is a plain text message.\r\n"

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Subject != "Hello" {
		t.Errorf("subject = %q, want %q", msg.Subject, "Hello")
	}
	if msg.From != "sender@example.com" {
		t.Errorf("From = %q, want sender@example.com", msg.From)
	}
	if len(msg.To) != 1 || msg.To[0] != "recipient@example.com" {
		t.Errorf("To = %v", msg.To)
	}
	if msg.TextBody != "This is a plain text message.\r\n" {
		t.Errorf("TextBody = %q", msg.TextBody)
	}
	if msg.HTMLBody != "" {
		t.Errorf("HTMLBody should be empty, got %q", msg.HTMLBody)
	}
}

func TestParse_HTMLOnly(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"To: recipient@example.com\r\n" +
		"Subject: HTML Email\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><body><h1>Hello</h1></body></html>\r\n"

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.TextBody != "" {
		t.Errorf("TextBody should be empty, got %q", msg.TextBody)
	}
	if msg.HTMLBody != "<html><body><h1>Hello</h1></body></html>\r\n" {
		t.Errorf("HTMLBody = %q", msg.HTMLBody)
	}
}

func TestParse_AddressesAndHeaders(t *testing.T) {
	raw := "From: \"Shop\" <shop@example.com>\r\n" +
		"To: a@example.com, \"Bee\" <b@example.com>\r\n" +
		"Cc: c@example.com\r\n" +
		"Reply-To: support@example.com\r\n" +
		"Return-Path: <bounce@example.com>\r\n" +
		"X-Priority: 1 (Highest)\r\n" +
		"Subject: =?UTF-8?Q?Objedn=C3=A1vka?=\r\n" +
		"\r\n" +
		"body\r\n"

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.From != `"Shop" <shop@example.com>` {
		t.Errorf("From = %q", msg.From)
	}
	if len(msg.To) != 2 || msg.To[0] != "a@example.com" || msg.To[1] != `"Bee" <b@example.com>` {
		t.Errorf("To = %v", msg.To)
	}
	if len(msg.Cc) != 1 || msg.Cc[0] != "c@example.com" {
		t.Errorf("Cc = %v", msg.Cc)
	}
	if msg.ReplyTo != "support@example.com" {
		t.Errorf("ReplyTo = %q", msg.ReplyTo)
	}
	if msg.ReturnPath != "bounce@example.com" {
		t.Errorf("ReturnPath = %q", msg.ReturnPath)
	}
	if msg.Priority != 1 {
		t.Errorf("Priority = %d, want 1", msg.Priority)
	}
	if msg.Subject != "Objednávka" {
		t.Errorf("Subject = %q, want decoded subject", msg.Subject)
	}
}

func TestParse_MultipartAlternative(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"To: recipient@example.com\r\n" +
		"Subject: Alt\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=\"alt-001\"\r\n" +
		"\r\n" +
		"--alt-001\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Plain version\r\n" +
		"--alt-001\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>HTML version</p>\r\n" +
		"--alt-001--\r\n"

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.TextBody != "Plain version" {
		t.Errorf("TextBody = %q", msg.TextBody)
	}
	if msg.HTMLBody != "<p>HTML version</p>" {
		t.Errorf("HTMLBody = %q", msg.HTMLBody)
	}
}

func TestParse_InlineImage(t *testing.T) {
	binaryData := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	encoded := base64.StdEncoding.EncodeToString(binaryData)

	raw := "From: sender@example.com\r\n" +
		"To: recipient@example.com\r\n" +
		"Subject: Inline Image\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/related; boundary=\"boundary-rel-001\"\r\n" +
		"\r\n" +
		"--boundary-rel-001\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><body><img src=\"cid:img1\"/></body></html>\r\n" +
		"--boundary-rel-001\r\n" +
		"Content-Type: image/jpeg; name=\"photo.jpg\"\r\n" +
		"Content-Disposition: inline; filename=\"photo.jpg\"\r\n" +
		"Content-Id: <img1>\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		encoded + "\r\n" +
		"--boundary-rel-001--\r\n"

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(msg.Attachments))
	}

	att := msg.Attachments[0]
	if !att.IsInline {
		t.Error("attachment should be inline")
	}
	if att.ContentID != "img1" {
		t.Errorf("ContentID = %q, want %q", att.ContentID, "img1")
	}
	if att.Filename != "photo.jpg" {
		t.Errorf("filename = %q, want %q", att.Filename, "photo.jpg")
	}
	if !bytes.Equal(att.Content, binaryData) {
		t.Errorf("decoded content = %x, want %x", att.Content, binaryData)
	}
}

func TestParse_MissingBoundary(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"Content-Type: multipart/mixed\r\n" +
		"\r\n" +
		"nothing\r\n"

	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatal("expected error for multipart without boundary")
	}
}

func TestParse_BuildMIMERoundTrip(t *testing.T) {
	pdf := []byte("%PDF-1.4 fake")
	out := &provider.Message{
		ID:       "0190f6d2-1111-7000-8000-000000000001",
		From:     "Shop <shop@example.com>",
		To:       []string{"a@example.com"},
		Cc:       []string{"b@example.com"},
		Bcc:      []string{"hidden@example.com"},
		Subject:  "Order shipped",
		TextBody: "Hello",
		HTMLBody: "<p>Hello</p>",
		Attachments: []provider.Attachment{
			{Filename: "invoice.pdf", Content: pdf},
		},
	}

	raw, err := provider.BuildMIME(out, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), "mail.example.com")
	if err != nil {
		t.Fatalf("BuildMIME() error = %v", err)
	}
	if bytes.Contains(raw, []byte("hidden@example.com")) {
		t.Error("Bcc recipient must not appear in headers")
	}

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if msg.From != `"Shop" <shop@example.com>` {
		t.Errorf("From = %q", msg.From)
	}
	if len(msg.To) != 1 || msg.To[0] != "a@example.com" {
		t.Errorf("To = %v", msg.To)
	}
	if len(msg.Cc) != 1 || msg.Cc[0] != "b@example.com" {
		t.Errorf("Cc = %v", msg.Cc)
	}
	if msg.Subject != "Order shipped" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.TextBody != "Hello" {
		t.Errorf("TextBody = %q", msg.TextBody)
	}
	if msg.HTMLBody != "<p>Hello</p>" {
		t.Errorf("HTMLBody = %q", msg.HTMLBody)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(msg.Attachments))
	}
	if msg.Attachments[0].Filename != "invoice.pdf" || !bytes.Equal(msg.Attachments[0].Content, pdf) {
		t.Errorf("attachment = %s (%q)", msg.Attachments[0].Filename, msg.Attachments[0].Content)
	}
}

func TestBuildMIME_DerivesTextFromHTML(t *testing.T) {
	out := &provider.Message{
		From:     "shop@example.com",
		To:       []string{"a@example.com"},
		Subject:  "Hi",
		HTMLBody: "<p>Hello <b>there</b></p>",
	}
	raw, err := provider.BuildMIME(out, time.Now(), "")
	if err != nil {
		t.Fatalf("BuildMIME() error = %v", err)
	}
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if msg.TextBody != "Hello there" {
		t.Errorf("TextBody = %q, want %q", msg.TextBody, "Hello there")
	}
}

func TestParsedMessage_Message(t *testing.T) {
	p := &ParsedMessage{
		To:       []string{"a@example.com"},
		Subject:  "Hi",
		TextBody: "body",
	}

	m := p.Message("envelope@example.com", []string{"a@example.com", "extra@example.com"})
	if m.From != "envelope@example.com" {
		t.Errorf("From = %q, want envelope sender fallback", m.From)
	}
	if len(m.To) != 1 || m.To[0] != "a@example.com" {
		t.Errorf("To = %v", m.To)
	}
	if len(m.Bcc) != 1 || m.Bcc[0] != "extra@example.com" {
		t.Errorf("Bcc = %v, want envelope-only recipient", m.Bcc)
	}
	if m.Priority != 3 {
		t.Errorf("Priority = %d, want default 3", m.Priority)
	}
}
