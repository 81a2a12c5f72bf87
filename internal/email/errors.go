package email

import (
	"errors"
	"fmt"
)

var (
	// ErrQueue matches every storage failure surfaced through QueueError.
	ErrQueue = errors.New("email queue error")

	// ErrNotFound is returned when a record or template does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotRequeueable is returned when requeueing a record that has not
	// ended in a failure state.
	ErrNotRequeueable = errors.New("record is not in a failed state")

	// ErrMissingFrom is returned when neither the message nor the defaults
	// provide a sender.
	ErrMissingFrom = &ValidationError{Field: "from", Message: `Parameter "from" is required.`}

	// ErrMissingTo is returned when the message has no recipient.
	ErrMissingTo = &ValidationError{Field: "to", Message: `Parameter "to" is required.`}
)

// ValidationError is a submission problem the caller can fix.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// QueueError wraps a persistence failure. errors.Is(err, ErrQueue) holds for
// every QueueError.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("email queue: %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

func (e *QueueError) Is(target error) bool { return target == ErrQueue }

// WrapQueue returns nil for a nil err, otherwise a QueueError for op.
func WrapQueue(op string, err error) error {
	if err == nil {
		return nil
	}
	return &QueueError{Op: op, Err: err}
}
