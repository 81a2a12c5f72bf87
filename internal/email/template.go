package email

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAllowedAttempts is used when a template is created without an
// explicit attempt limit.
const DefaultMaxAllowedAttempts = 5

// Template is a named template definition a record may be bound to. Only
// MaxAllowedAttempts influences dispatch.
type Template struct {
	ID                 uuid.UUID `json:"id"`
	Slug               string    `json:"slug"`
	Path               string    `json:"path"`
	MaxAllowedAttempts int       `json:"max_allowed_attempts"`
	Note               string    `json:"note,omitempty"`
	InsertedAt         time.Time `json:"inserted_at"`
}

// LogEntry is a persisted emailer log line.
type LogEntry struct {
	ID         int64
	Level      string
	Message    string
	InsertedAt time.Time
}
