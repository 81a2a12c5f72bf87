package provider

import (
	"errors"
	"fmt"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
)

// TransportError is a delivery failure reported by the mail transport itself,
// as opposed to a failure while preparing the message.
type TransportError struct {
	// Provider is the name of the transport that failed.
	Provider string
	// Code is the SMTP reply code, or 0 when the failure happened below SMTP.
	Code int
	// EnhancedCode is the RFC 3463 status code, e.g. "5.1.1".
	EnhancedCode string
	// Message is the server's text or the underlying error message.
	Message string
	// Permanent indicates the error will not succeed on retry.
	Permanent bool
	Err       error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	if e.Code != 0 {
		fmt.Fprintf(&b, "%d ", e.Code)
	}
	if e.EnhancedCode != "" {
		b.WriteString(e.EnhancedCode)
		b.WriteByte(' ')
	}
	b.WriteString(e.Message)
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err came from the transport.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsPermanent returns true if err is a transport failure that will not
// succeed on retry.
func IsPermanent(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Permanent
	}
	return false
}

// ClassifySMTPError converts an error returned during an SMTP conversation
// into a *TransportError. SMTP replies keep their codes; 5xx replies are
// permanent. Connection and I/O failures are transient.
func ClassifySMTPError(providerName string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}

	var se *gosmtp.SMTPError
	if errors.As(err, &se) {
		out := &TransportError{
			Provider:  providerName,
			Code:      se.Code,
			Message:   se.Message,
			Permanent: se.Code >= 500 && se.Code < 600,
			Err:       err,
		}
		if se.EnhancedCode != (gosmtp.EnhancedCode{}) && se.EnhancedCode != gosmtp.NoEnhancedCode {
			out.EnhancedCode = fmt.Sprintf("%d.%d.%d", se.EnhancedCode[0], se.EnhancedCode[1], se.EnhancedCode[2])
		}
		return out
	}

	return &TransportError{
		Provider: providerName,
		Message:  err.Error(),
		Err:      err,
	}
}
