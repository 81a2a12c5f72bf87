package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sungwon/mailqueue/internal/email"
	"github.com/sungwon/mailqueue/internal/logger"
	"github.com/sungwon/mailqueue/internal/storage"
)

// respondJSON writes a JSON response with the given status code and data.
// If data is nil, only the status code and Content-Type header are written.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response with the given status code and message.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondValidationErrors writes a 400 response with a list of validation error details.
func respondValidationErrors(w http.ResponseWriter, details []string) {
	respondJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "validation_failed",
		"details": details,
	})
}

// respondQueueError maps emailer and storage errors to HTTP responses.
func respondQueueError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *email.ValidationError
	switch {
	case errors.As(err, &ve):
		respondValidationErrors(w, []string{ve.Message})
	case errors.Is(err, email.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, email.ErrNotRequeueable), errors.Is(err, storage.ErrDuplicateSlug):
		respondError(w, http.StatusConflict, err.Error())
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
