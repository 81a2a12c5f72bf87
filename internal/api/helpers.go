package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sungwon/mailqueue/internal/email"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// emailResponse is the API view of a queued record. Bodies are omitted.
type emailResponse struct {
	ID                        uuid.UUID  `json:"id"`
	Status                    string     `json:"status"`
	FailedAttemptsCount       int        `json:"failed_attempts_count"`
	SendEarliestAt            *time.Time `json:"send_earliest_at,omitempty"`
	SendEarliestNextAttemptAt *time.Time `json:"send_earliest_next_attempt_at,omitempty"`
	PreparingDuration         *float64   `json:"preparing_duration,omitempty"`
	SendingDuration           *float64   `json:"sending_duration,omitempty"`
	Notes                     []string   `json:"notes"`
	InsertedAt                time.Time  `json:"inserted_at"`
	SentAt                    *time.Time `json:"sent_at,omitempty"`
	Template                  string     `json:"template,omitempty"`
	From                      string     `json:"from,omitempty"`
	To                        []string   `json:"to,omitempty"`
	Subject                   string     `json:"subject,omitempty"`
	Priority                  int        `json:"priority,omitempty"`
	Attachments               int        `json:"attachments"`
}

func toEmailResponse(rec *email.Record) emailResponse {
	resp := emailResponse{
		ID:                        rec.ID,
		Status:                    string(rec.Status),
		FailedAttemptsCount:       rec.FailedAttemptsCount,
		SendEarliestAt:            rec.SendEarliestAt,
		SendEarliestNextAttemptAt: rec.SendEarliestNextAttemptAt,
		PreparingDuration:         rec.PreparingDuration,
		SendingDuration:           rec.SendingDuration,
		Notes:                     rec.Notes,
		InsertedAt:                rec.InsertedAt,
		SentAt:                    rec.SentAt,
	}
	if resp.Notes == nil {
		resp.Notes = []string{}
	}
	if rec.Template != nil {
		resp.Template = rec.Template.Slug
	}
	if raw := rec.Raw; raw != nil {
		resp.From = raw.From
		resp.To = raw.To
		resp.Subject = raw.Subject
		resp.Priority = raw.Priority
		resp.Attachments = len(raw.Attachments)
	}
	return resp
}

// pagination reads limit and offset query parameters, clamping limit to
// maxPageSize.
func pagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, errInvalidParam("limit")
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errInvalidParam("offset")
		}
	}
	return limit, offset, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return "invalid " + string(e) + " parameter" }
