package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sungwon/mailqueue/internal/email"
	"github.com/sungwon/mailqueue/internal/emailer"
	"github.com/sungwon/mailqueue/internal/logger"
	"github.com/sungwon/mailqueue/internal/mimeparse"
	"github.com/sungwon/mailqueue/internal/provider"
	"github.com/sungwon/mailqueue/internal/storage"
)

// MaxRawMessageBytes bounds the body of a raw MIME submission.
const MaxRawMessageBytes = 25 << 20

// EmailService is the part of the emailer the API drives.
type EmailService interface {
	Enqueue(ctx context.Context, msg *provider.Message, opts ...emailer.EnqueueOption) (*uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*email.Record, error)
	Requeue(ctx context.Context, id uuid.UUID, reason string) (*email.Record, error)
	Compose(ctx context.Context, name string, params map[string]any) (*provider.Message, error)
}

// EmailLister reads queue state for listing endpoints.
type EmailLister interface {
	ListEmails(ctx context.Context, arg storage.ListEmailsParams) ([]*email.Record, error)
	CountByStatus(ctx context.Context) (map[email.Status]int64, error)
}

// attachmentRequest carries attachment bytes inline, base64 encoded.
// Server side paths are refused.
type attachmentRequest struct {
	Path        string `json:"path"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// sendEmailRequest is the JSON body for POST /api/v1/emails.
type sendEmailRequest struct {
	From           string              `json:"from"`
	To             []string            `json:"to"`
	Cc             []string            `json:"cc"`
	Bcc            []string            `json:"bcc"`
	ReplyTo        string              `json:"reply_to"`
	ReturnPath     string              `json:"return_path"`
	Priority       *int                `json:"priority"`
	Subject        string              `json:"subject"`
	Text           string              `json:"text"`
	HTML           string              `json:"html"`
	Headers        map[string]string   `json:"headers"`
	Attachments    []attachmentRequest `json:"attachments"`
	SendEarliestAt *time.Time          `json:"send_earliest_at"`
	Template       string              `json:"template"`
}

func (req sendEmailRequest) validate() []string {
	var errs []string
	for i, a := range req.Attachments {
		switch {
		case a.Path != "":
			errs = append(errs, fmt.Sprintf("attachments[%d].path is not accepted, send content instead", i))
		case a.FileName == "":
			errs = append(errs, fmt.Sprintf("attachments[%d].file_name is required", i))
		}
	}
	return errs
}

func (req sendEmailRequest) message() *provider.Message {
	msg := provider.NewMessage()
	msg.From = req.From
	msg.To = req.To
	msg.Cc = req.Cc
	msg.Bcc = req.Bcc
	msg.ReplyTo = req.ReplyTo
	msg.ReturnPath = req.ReturnPath
	if req.Priority != nil {
		msg.Priority = *req.Priority
	}
	msg.Subject = req.Subject
	msg.TextBody = req.Text
	msg.HTMLBody = req.HTML
	msg.Headers = req.Headers
	for _, a := range req.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		msg.Attachments = append(msg.Attachments, provider.Attachment{
			Filename:    a.FileName,
			ContentType: ct,
			Content:     a.Content,
		})
	}
	msg.SendEarliestAt = req.SendEarliestAt
	return msg
}

// composeEmailRequest is the JSON body for POST /api/v1/emails/compose.
type composeEmailRequest struct {
	Name     string         `json:"name"`
	Params   map[string]any `json:"params"`
	Template string         `json:"template"`
}

type enqueuedResponse struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

// CreateEmailHandler enqueues a JSON described message. Attachment content
// is spooled under spoolDir until it is staged.
func CreateEmailHandler(svc EmailService, spoolDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendEmailRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRawMessageBytes)).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(w, http.StatusRequestEntityTooLarge, "message too large")
				return
			}
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if errs := req.validate(); len(errs) > 0 {
			respondValidationErrors(w, errs)
			return
		}

		msg := req.message()
		cleanup, err := mimeparse.Spool(msg, spoolDir)
		if err != nil {
			respondQueueError(w, r, err)
			return
		}
		defer cleanup()

		enqueue(w, r, svc, msg, req.Template)
	}
}

// CreateRawEmailHandler enqueues a raw RFC 5322 message. Attachments are
// spooled under spoolDir until they are staged.
func CreateRawEmailHandler(svc EmailService, spoolDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRawMessageBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(w, http.StatusRequestEntityTooLarge, "message too large")
				return
			}
			respondError(w, http.StatusBadRequest, "failed to read message")
			return
		}

		parsed, err := mimeparse.Parse(body)
		if err != nil {
			respondError(w, http.StatusBadRequest, "malformed message")
			return
		}
		msg := parsed.Message("", nil)

		if v := r.URL.Query().Get("send_earliest_at"); v != "" {
			at, err := time.Parse(time.RFC3339, v)
			if err != nil {
				respondError(w, http.StatusBadRequest, errInvalidParam("send_earliest_at").Error())
				return
			}
			msg.SendEarliestAt = &at
		}

		cleanup, err := mimeparse.Spool(msg, spoolDir)
		if err != nil {
			respondQueueError(w, r, err)
			return
		}
		defer cleanup()

		enqueue(w, r, svc, msg, r.URL.Query().Get("template"))
	}
}

// ComposeEmailHandler renders a template into a message and enqueues it.
func ComposeEmailHandler(svc EmailService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req composeEmailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Name == "" {
			respondValidationErrors(w, []string{"name is required"})
			return
		}

		msg, err := svc.Compose(r.Context(), req.Name, req.Params)
		if err != nil {
			if errors.Is(err, emailer.ErrNoRenderer) {
				respondError(w, http.StatusNotImplemented, err.Error())
				return
			}
			respondValidationErrors(w, []string{err.Error()})
			return
		}
		enqueue(w, r, svc, msg, req.Template)
	}
}

func enqueue(w http.ResponseWriter, r *http.Request, svc EmailService, msg *provider.Message, template string) {
	opts := []emailer.EnqueueOption{emailer.WithSource("api")}
	if template != "" {
		opts = append(opts, emailer.WithTemplate(template))
	}

	id, err := svc.Enqueue(r.Context(), msg, opts...)
	if err != nil {
		respondQueueError(w, r, err)
		return
	}
	if id == nil {
		respondError(w, http.StatusUnprocessableEntity, email.EmptyBodyNote)
		return
	}

	log := logger.FromContext(r.Context())
	log.Info().Str("email_id", id.String()).Msg("email accepted")
	respondJSON(w, http.StatusAccepted, enqueuedResponse{ID: *id, Status: "accepted"})
}

// GetEmailHandler returns a single record.
func GetEmailHandler(svc EmailService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r)
		if !ok {
			return
		}
		rec, err := svc.GetByID(r.Context(), id)
		if err != nil {
			respondQueueError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, toEmailResponse(rec))
	}
}

// ListEmailsHandler pages through records, optionally filtered by status.
func ListEmailsHandler(store EmailLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset, err := pagination(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		var status email.Status
		if v := r.URL.Query().Get("status"); v != "" {
			status = email.Status(v)
			if !status.Valid() {
				respondError(w, http.StatusBadRequest, errInvalidParam("status").Error())
				return
			}
		}

		recs, err := store.ListEmails(r.Context(), storage.ListEmailsParams{
			Status: status,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			respondQueueError(w, r, err)
			return
		}

		items := make([]emailResponse, 0, len(recs))
		for _, rec := range recs {
			items = append(items, toEmailResponse(rec))
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"emails": items,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// RequeueEmailHandler moves a failed record back into the queue.
func RequeueEmailHandler(svc EmailService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r)
		if !ok {
			return
		}
		var req struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				respondError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}

		rec, err := svc.Requeue(r.Context(), id, req.Reason)
		if err != nil {
			respondQueueError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, toEmailResponse(rec))
	}
}

// StatsHandler returns the number of records per status.
func StatsHandler(store EmailLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountByStatus(r.Context())
		if err != nil {
			respondQueueError(w, r, err)
			return
		}
		out := make(map[string]int64, len(email.Statuses))
		for _, s := range email.Statuses {
			out[string(s)] = counts[s]
		}
		respondJSON(w, http.StatusOK, map[string]any{"statuses": out})
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid email id")
		return uuid.Nil, false
	}
	return id, true
}
