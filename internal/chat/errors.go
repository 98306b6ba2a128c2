package chat

import (
	"errors"
	"fmt"
)

// Reason codes carried by RejectedError.
const (
	ReasonInvalidMessage  = "invalid_message"
	ReasonSessionNotFound = "session_not_found"
	ReasonForbidden       = "forbidden"
	ReasonPersonaNotFound = "persona_not_found"
	ReasonQuotaExceeded   = "quota_exceeded"
)

// ErrPersistence wraps store failures that aborted a send.
var ErrPersistence = errors.New("persistence failure")

// RejectedError is returned when a send is refused before generation.
type RejectedError struct {
	Reason  string
	Message string
	Limit   int   // set for quota_exceeded
	Err     error // underlying cause, if any
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return e.Reason
}

func (e *RejectedError) Unwrap() error { return e.Err }

func reject(reason, format string, args ...any) *RejectedError {
	return &RejectedError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IsRejected reports whether err is a RejectedError and returns it.
func IsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
