package email

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EmptyBodyNote is appended when a record is rejected for having no content.
const EmptyBodyNote = "E-mail was not sent (empty body)"

// FailureKind separates transport outages from content preparation bugs.
// Both follow the same retry policy but end in different terminal states.
type FailureKind int

const (
	FailurePreparing FailureKind = iota
	FailureTransport
)

func (k FailureKind) String() string {
	if k == FailureTransport {
		return "transport"
	}
	return "preparing"
}

// TerminalStatus is the status a record ends in once retries run out.
func (k FailureKind) TerminalStatus() Status {
	if k == FailureTransport {
		return StatusSendingError
	}
	return StatusPreparingError
}

// Record is one queued email and its delivery state.
type Record struct {
	ID                        uuid.UUID
	Status                    Status
	FailedAttemptsCount       int
	SendEarliestAt            *time.Time
	SendEarliestNextAttemptAt *time.Time
	PreparingDuration         *float64
	SendingDuration           *float64
	Notes                     []string
	InsertedAt                time.Time
	SentAt                    *time.Time
	// ClaimedUntil hides the record from claiming dispatchers while a
	// sender holds it.
	ClaimedUntil *time.Time
	Template     *Template
	Raw                       *RawPayload
}

// NewID returns a time-ordered identifier for a new record.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// NewRecord creates a record for raw. Records that declare attachments start
// as not-ready-to-queue until the files are staged.
func NewRecord(raw *RawPayload, now time.Time) *Record {
	status := StatusInQueue
	if len(raw.Attachments) > 0 {
		status = StatusNotReadyToQueue
	}
	return &Record{
		ID:         NewID(),
		Status:     status,
		InsertedAt: now,
		Raw:        raw,
	}
}

// SetStatus assigns s, degrading unknown values to StatusPreparingError, and
// clears the fields that are only meaningful in other states.
func (r *Record) SetStatus(s Status) {
	r.Status = ParseStatus(string(s))
	if r.Status != StatusWaitingForNextAttempt {
		r.SendEarliestNextAttemptAt = nil
	}
	if r.Status != StatusSent {
		r.SentAt = nil
	}
}

// AddNote appends a timestamped entry.
func (r *Record) AddNote(now time.Time, msg string) {
	r.Notes = append(r.Notes, now.Format(time.RFC3339)+" - "+msg)
}

// Eligible reports whether the dispatcher may pick r at now.
func (r *Record) Eligible(now time.Time) bool {
	if r.SendEarliestAt != nil && r.SendEarliestAt.After(now) {
		return false
	}
	switch r.Status {
	case StatusInQueue:
		return true
	case StatusWaitingForNextAttempt:
		return r.SendEarliestNextAttemptAt == nil || !r.SendEarliestNextAttemptAt.After(now)
	}
	return false
}

// MaxAttempts returns the attempt limit for r. The template limit wins;
// otherwise defaultMax applies when positive. ok is false when retries are
// unlimited.
func (r *Record) MaxAttempts(defaultMax int) (limit int, ok bool) {
	if r.Template != nil {
		return r.Template.MaxAllowedAttempts, true
	}
	if defaultMax > 0 {
		return defaultMax, true
	}
	return 0, false
}

// Claim marks r as held by the caller until until.
func (r *Record) Claim(until time.Time) {
	r.ClaimedUntil = &until
}

// ReleaseClaim drops the hold set by Claim. Every delivery outcome
// releases it; MarkQueued keeps it.
func (r *Record) ReleaseClaim() {
	r.ClaimedUntil = nil
}

// MarkQueued finishes attachment staging.
func (r *Record) MarkQueued() error {
	if r.Status != StatusNotReadyToQueue {
		return fmt.Errorf("mark queued: record %s is %s", r.ID, r.Status)
	}
	r.SetStatus(StatusInQueue)
	return nil
}

// MarkSent records a successful delivery.
func (r *Record) MarkSent(now time.Time, preparing, sending time.Duration) {
	r.SetStatus(StatusSent)
	r.ReleaseClaim()
	sentAt := now
	r.SentAt = &sentAt
	r.SetDurations(preparing, sending)
}

// MarkEmptyBody fails r without consuming an attempt.
func (r *Record) MarkEmptyBody(now time.Time) {
	r.SetStatus(StatusPreparingError)
	r.ReleaseClaim()
	r.AddNote(now, EmptyBodyNote)
}

// MarkFailed applies a failed attempt. When terminal is true the record ends
// in kind's terminal state with cause noted; otherwise it waits until next.
func (r *Record) MarkFailed(kind FailureKind, cause error, now time.Time, terminal bool, next time.Time) {
	r.FailedAttemptsCount++
	r.ReleaseClaim()
	if terminal {
		r.SetStatus(kind.TerminalStatus())
		msg := "unknown error"
		if cause != nil {
			msg = cause.Error()
		}
		r.AddNote(now, msg)
		return
	}
	r.SetStatus(StatusWaitingForNextAttempt)
	r.SendEarliestNextAttemptAt = &next
}

// Requeue moves a terminally failed record back into the queue with a fresh
// attempt budget.
func (r *Record) Requeue(now time.Time, reason string) error {
	if !r.Status.Failed() {
		return fmt.Errorf("requeue: record %s is %s: %w", r.ID, r.Status, ErrNotRequeueable)
	}
	r.SetStatus(StatusInQueue)
	r.FailedAttemptsCount = 0
	r.ReleaseClaim()
	if reason == "" {
		reason = "requeued"
	}
	r.AddNote(now, reason)
	return nil
}

// SetDurations stores preparation and send timings in seconds.
func (r *Record) SetDurations(preparing, sending time.Duration) {
	p := preparing.Seconds()
	s := sending.Seconds()
	r.PreparingDuration = &p
	r.SendingDuration = &s
}
