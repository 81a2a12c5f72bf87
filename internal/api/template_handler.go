package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sungwon/mailqueue/internal/email"
)

// TemplateStore manages template definitions and the persisted log.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, tpl *email.Template) error
	ListTemplates(ctx context.Context) ([]email.Template, error)
	ListLogs(ctx context.Context, limit int) ([]email.LogEntry, error)
}

type createTemplateRequest struct {
	Slug               string `json:"slug"`
	Path               string `json:"path"`
	MaxAllowedAttempts *int   `json:"max_allowed_attempts"`
	Note               string `json:"note"`
}

func (req createTemplateRequest) validate() []string {
	var errs []string
	if req.Slug == "" {
		errs = append(errs, "slug is required")
	}
	if req.Path == "" {
		errs = append(errs, "path is required")
	}
	if req.MaxAllowedAttempts != nil && *req.MaxAllowedAttempts < 1 {
		errs = append(errs, "max_allowed_attempts must be at least 1; omit it for the default")
	}
	return errs
}

// CreateTemplateHandler registers a template definition.
func CreateTemplateHandler(store TemplateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTemplateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if errs := req.validate(); len(errs) > 0 {
			respondValidationErrors(w, errs)
			return
		}

		tpl := &email.Template{
			Slug:               req.Slug,
			Path:               req.Path,
			MaxAllowedAttempts: email.DefaultMaxAllowedAttempts,
			Note:               req.Note,
		}
		if req.MaxAllowedAttempts != nil {
			tpl.MaxAllowedAttempts = *req.MaxAllowedAttempts
		}
		if err := store.CreateTemplate(r.Context(), tpl); err != nil {
			respondQueueError(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, tpl)
	}
}

// ListTemplatesHandler lists template definitions.
func ListTemplatesHandler(store TemplateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tpls, err := store.ListTemplates(r.Context())
		if err != nil {
			respondQueueError(w, r, err)
			return
		}
		if tpls == nil {
			tpls = []email.Template{}
		}
		respondJSON(w, http.StatusOK, map[string]any{"templates": tpls})
	}
}

type logEntryResponse struct {
	ID         int64  `json:"id"`
	Level      string `json:"level"`
	Message    string `json:"message"`
	InsertedAt string `json:"inserted_at"`
}

// ListLogsHandler returns the most recent persisted emailer log lines.
func ListLogsHandler(store TemplateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultPageSize
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				respondError(w, http.StatusBadRequest, errInvalidParam("limit").Error())
				return
			}
			limit = min(n, maxPageSize)
		}

		entries, err := store.ListLogs(r.Context(), limit)
		if err != nil {
			respondQueueError(w, r, err)
			return
		}
		out := make([]logEntryResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, logEntryResponse{
				ID:         e.ID,
				Level:      e.Level,
				Message:    e.Message,
				InsertedAt: e.InsertedAt.UTC().Format("2006-01-02T15:04:05Z"),
			})
		}
		respondJSON(w, http.StatusOK, map[string]any{"logs": out})
	}
}
