package serializer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/sungwon/mailqueue/internal/email"
	"github.com/sungwon/mailqueue/internal/provider"
	"github.com/sungwon/mailqueue/internal/staging"
)

var fixedNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestSerializer(t *testing.T, cfg Config) (*Serializer, *staging.LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := staging.NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	s := New(cfg, store)
	s.now = func() time.Time { return fixedNow }
	return s, store, dir
}

func TestToRecord(t *testing.T) {
	s, _, _ := newTestSerializer(t, Config{From: "noreply@shop.example", FromName: "Shop", DefaultBcc: []string{"archive@shop.example"}})

	tests := []struct {
		name        string
		msg         *provider.Message
		wantFrom    string
		wantSubject string
		wantBcc     string
		wantPrio    int
		wantErr     error
	}{
		{
			name:        "subject derived from text",
			msg:         &provider.Message{To: []string{"a@x.com"}, TextBody: "Hello", Priority: 3},
			wantFrom:    "Shop <noreply@shop.example>",
			wantSubject: "Hello",
			wantBcc:     "archive@shop.example",
			wantPrio:    3,
		},
		{
			name:        "explicit values kept",
			msg:         &provider.Message{From: "me@x.com", To: []string{"a@x.com"}, Bcc: []string{"b@x.com"}, Subject: "Hi", TextBody: "body", Priority: 250},
			wantFrom:    "me@x.com",
			wantSubject: "Hi",
			wantBcc:     "b@x.com,archive@shop.example",
			wantPrio:    100,
		},
		{
			name:        "markup and asterisks removed",
			msg:         &provider.Message{To: []string{"a@x.com"}, TextBody: "  **Sale** <b>today</b>\n only  ", Priority: -4},
			wantFrom:    "Shop <noreply@shop.example>",
			wantSubject: "Sale today only",
			wantBcc:     "archive@shop.example",
			wantPrio:    0,
		},
		{
			name:    "missing to",
			msg:     &provider.Message{From: "me@x.com", To: []string{" "}, TextBody: "x"},
			wantErr: email.ErrMissingTo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := s.ToRecord(tt.msg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ToRecord() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToRecord() error = %v", err)
			}
			if raw.From != tt.wantFrom {
				t.Errorf("From = %q, want %q", raw.From, tt.wantFrom)
			}
			if raw.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", raw.Subject, tt.wantSubject)
			}
			if got := strings.Join(raw.Bcc, ","); got != tt.wantBcc {
				t.Errorf("Bcc = %q, want %q", got, tt.wantBcc)
			}
			if raw.Priority != tt.wantPrio {
				t.Errorf("Priority = %d, want %d", raw.Priority, tt.wantPrio)
			}
		})
	}
}

func TestToRecord_MissingFrom(t *testing.T) {
	s := New(Config{}, nil)

	_, err := s.ToRecord(&provider.Message{To: []string{"a@x.com"}, TextBody: "x"})
	if !errors.Is(err, email.ErrMissingFrom) {
		t.Fatalf("ToRecord() error = %v, want ErrMissingFrom", err)
	}
	if err.Error() != `Parameter "from" is required.` {
		t.Errorf("message = %q", err.Error())
	}
	if !email.IsValidation(err) {
		t.Error("expected a validation error")
	}
}

func TestDeriveSubject_Truncates(t *testing.T) {
	long := strings.Repeat("word ", 40)
	got := DeriveSubject(long, "")

	if utf8.RuneCountInString(got) > MaxSubjectLength {
		t.Errorf("len = %d, want <= %d", utf8.RuneCountInString(got), MaxSubjectLength)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("DeriveSubject() = %q, want ellipsis suffix", got)
	}
	if strings.Contains(got, "wor…") {
		t.Errorf("DeriveSubject() = %q, want cut at word boundary", got)
	}

	if got := DeriveSubject("", "<html><head><title>T</title></head><body><p>From HTML</p></body></html>"); got != "From HTML" {
		t.Errorf("DeriveSubject(html) = %q, want %q", got, "From HTML")
	}
}

func TestInjectMarker(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "before closing body", body: "<html><body><p>x</p></body></html>", want: "<html><body><p>x</p>M</body></html>"},
		{name: "upper case tag", body: "<BODY>x</BODY>", want: "<BODY>xM</BODY>"},
		{name: "fragment", body: "<p>x</p>", want: "<p>x</p>M"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InjectMarker(tt.body, "M"); got != tt.want {
				t.Errorf("InjectMarker() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	s, _, _ := newTestSerializer(t, Config{From: "noreply@shop.example"})

	msg := &provider.Message{
		From:       "Shop <shop@x.com>",
		To:         []string{"a@x.com"},
		Cc:         []string{"c@x.com"},
		Bcc:        []string{"b@x.com"},
		ReplyTo:    "help@x.com",
		ReturnPath: "bounce@x.com",
		Priority:   10,
		Subject:    "Order",
		TextBody:   "Thanks",
		HTMLBody:   "<html><body><p>Thanks</p></body></html>",
	}
	raw, err := s.ToRecord(msg)
	if err != nil {
		t.Fatalf("ToRecord() error = %v", err)
	}
	rec := email.NewRecord(raw, fixedNow)

	out, err := s.ToMessage(context.Background(), rec)
	if err != nil {
		t.Fatalf("ToMessage() error = %v", err)
	}

	if out.ID != rec.ID.String() {
		t.Errorf("ID = %q, want %q", out.ID, rec.ID)
	}
	if out.From != msg.From || out.Subject != msg.Subject || out.TextBody != msg.TextBody {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if out.To[0] != "a@x.com" || out.Cc[0] != "c@x.com" || out.Bcc[0] != "b@x.com" {
		t.Errorf("recipients = %v %v %v", out.To, out.Cc, out.Bcc)
	}
	if out.ReplyTo != "help@x.com" || out.ReturnPath != "bounce@x.com" || out.Priority != 10 {
		t.Errorf("headers = %q %q %d", out.ReplyTo, out.ReturnPath, out.Priority)
	}

	marker := TrackingMarker(rec.ID, fixedNow)
	if strings.Count(out.HTMLBody, `id="pair__token"`) != 1 {
		t.Errorf("expected exactly one marker in %q", out.HTMLBody)
	}
	if !strings.Contains(out.HTMLBody, marker+"</body>") {
		t.Errorf("marker not placed before </body>: %q", out.HTMLBody)
	}
	if !strings.Contains(marker, rec.ID.String()+"_2024-03-10") {
		t.Errorf("marker = %q", marker)
	}
}

func TestToMessage_EmptyHTMLGetsNoMarker(t *testing.T) {
	s, _, _ := newTestSerializer(t, Config{})
	rec := email.NewRecord(&email.RawPayload{From: "a@x.com", To: []string{"b@x.com"}}, fixedNow)

	out, err := s.ToMessage(context.Background(), rec)
	if err != nil {
		t.Fatalf("ToMessage() error = %v", err)
	}
	if out.HTMLBody != "" || out.HasBody() {
		t.Errorf("HTMLBody = %q, want empty so the empty-body guard applies", out.HTMLBody)
	}
}

func stageFixture(t *testing.T, s *Serializer) *email.Record {
	t.Helper()
	src := filepath.Join(t.TempDir(), "Invoice 2024.PDF")
	if err := os.WriteFile(src, []byte("pdf-bytes"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	msg := provider.NewMessage()
	msg.From = "a@x.com"
	msg.AddTo("b@x.com").AddAttachmentPath(src, "")
	msg.TextBody = "see attached"

	raw, err := s.ToRecord(msg)
	if err != nil {
		t.Fatalf("ToRecord() error = %v", err)
	}
	rec := email.NewRecord(raw, fixedNow)
	if rec.Status != email.StatusNotReadyToQueue {
		t.Fatalf("Status = %s, want not-ready-to-queue", rec.Status)
	}
	if err := s.Stage(context.Background(), rec); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	return rec
}

func TestAttachments_RetainThenRelease(t *testing.T) {
	s, _, dir := newTestSerializer(t, Config{Mode: staging.ModeRetain})
	rec := stageFixture(t, s)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		out, err := s.ToMessage(ctx, rec)
		if err != nil {
			t.Fatalf("attempt %d: ToMessage() error = %v", attempt, err)
		}
		if len(out.Attachments) != 1 || out.Attachments[0].Filename != "invoice-2024.PDF" || string(out.Attachments[0].Content) != "pdf-bytes" {
			t.Fatalf("attempt %d: attachments = %+v", attempt, out.Attachments)
		}
	}

	if err := s.Release(ctx, rec); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, rec.ID.String())); !os.IsNotExist(err) {
		t.Errorf("expected staging directory to be gone, stat err = %v", err)
	}
}

func TestAttachments_Consume(t *testing.T) {
	s, _, dir := newTestSerializer(t, Config{Mode: staging.ModeConsume})
	rec := stageFixture(t, s)

	out, err := s.ToMessage(context.Background(), rec)
	if err != nil {
		t.Fatalf("ToMessage() error = %v", err)
	}
	if len(out.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(out.Attachments))
	}
	if _, err := os.Stat(filepath.Join(dir, rec.ID.String())); !os.IsNotExist(err) {
		t.Errorf("expected consumed directory to be removed, stat err = %v", err)
	}
}

func TestStage_EqualFileNamesAreKept(t *testing.T) {
	s, _, _ := newTestSerializer(t, Config{Mode: staging.ModeRetain})
	ctx := context.Background()

	root := t.TempDir()
	var paths []string
	for i, sub := range []string{"a", "b"} {
		dir := filepath.Join(root, sub)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		p := filepath.Join(dir, "report.pdf")
		if err := os.WriteFile(p, []byte(fmt.Sprintf("report-%d", i)), 0o600); err != nil {
			t.Fatalf("write source: %v", err)
		}
		paths = append(paths, p)
	}

	msg := provider.NewMessage()
	msg.From = "a@x.com"
	msg.AddTo("b@x.com").AddAttachmentPath(paths[0], "").AddAttachmentPath(paths[1], "Report.pdf")
	msg.TextBody = "two reports"

	raw, err := s.ToRecord(msg)
	if err != nil {
		t.Fatalf("ToRecord() error = %v", err)
	}
	rec := email.NewRecord(raw, fixedNow)
	if err := s.Stage(ctx, rec); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	out, err := s.ToMessage(ctx, rec)
	if err != nil {
		t.Fatalf("ToMessage() error = %v", err)
	}
	if len(out.Attachments) != 2 {
		t.Fatalf("attachments = %d, want 2", len(out.Attachments))
	}
	for i, a := range out.Attachments {
		if a.Filename != "report.pdf" || string(a.Content) != fmt.Sprintf("report-%d", i) {
			t.Errorf("attachment %d = %q %q", i, a.Filename, a.Content)
		}
	}
}

func TestAttachmentName(t *testing.T) {
	tests := []struct {
		staged string
		want   string
	}{
		{"000-report.pdf", "report.pdf"},
		{"012-2024-plan.pdf", "2024-plan.pdf"},
		{"my-report.pdf", "my-report.pdf"},
		{"report.pdf", "report.pdf"},
		{"007-", "007-"},
	}
	for _, tt := range tests {
		if got := attachmentName(tt.staged); got != tt.want {
			t.Errorf("attachmentName(%q) = %q, want %q", tt.staged, got, tt.want)
		}
	}
}

func TestStage_MissingSource(t *testing.T) {
	s, _, _ := newTestSerializer(t, Config{})
	rec := &email.Record{
		ID:     uuid.New(),
		Status: email.StatusNotReadyToQueue,
		Raw: &email.RawPayload{
			Attachments: []email.StoredAttachment{{Path: "/definitely/not/here.pdf", FileName: "here.pdf"}},
		},
	}
	if err := s.Stage(context.Background(), rec); err == nil {
		t.Error("expected error for missing attachment source")
	}
}
