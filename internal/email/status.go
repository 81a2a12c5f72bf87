package email

// Status is the lifecycle state of a queued email.
type Status string

const (
	StatusInQueue               Status = "in-queue"
	StatusNotReadyToQueue       Status = "not-ready-to-queue"
	StatusWaitingForNextAttempt Status = "waiting-for-next-attempt"
	StatusSent                  Status = "sent"
	StatusPreparingError        Status = "preparing-error"
	StatusSendingError          Status = "sending-error"
)

// Statuses lists every status in display order.
var Statuses = []Status{
	StatusInQueue,
	StatusNotReadyToQueue,
	StatusWaitingForNextAttempt,
	StatusSent,
	StatusPreparingError,
	StatusSendingError,
}

// ParseStatus converts s to a Status. Unknown values map to
// StatusPreparingError so a corrupted row never becomes selectable.
func ParseStatus(s string) Status {
	st := Status(s)
	if st.Valid() {
		return st
	}
	return StatusPreparingError
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInQueue, StatusNotReadyToQueue, StatusWaitingForNextAttempt,
		StatusSent, StatusPreparingError, StatusSendingError:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusPreparingError || s == StatusSendingError
}

// Failed reports whether s is one of the terminal error states.
func (s Status) Failed() bool {
	return s == StatusPreparingError || s == StatusSendingError
}

func (s Status) String() string { return string(s) }
