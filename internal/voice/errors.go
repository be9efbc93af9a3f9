package voice

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied     = errors.New("voice: speech permission denied")
	ErrCaptureUnavailable   = errors.New("voice: speech capture unavailable")
	ErrCaptureAlreadyActive = errors.New("voice: speech capture already active")
	ErrReplyTimeout         = errors.New("voice: reply timed out")
	ErrLanguageUnsupported  = errors.New("voice: language not supported by backend")
	ErrSynthesisExhausted   = errors.New("voice: every synthesis backend failed")
	ErrControllerClosed     = errors.New("voice: controller closed")
)

// ErrorClass sorts session errors by how the loop recovers from them.
type ErrorClass string

const (
	// ClassFatal stops the session in IDLE until the user re-enables voice.
	ClassFatal ErrorClass = "fatal"
	// ClassRecoverable is reported and the loop recovers on its own.
	ClassRecoverable ErrorClass = "recoverable"
	// ClassTransient is expected flow, such as nobody speaking.
	ClassTransient ErrorClass = "transient"
)

// SessionError is what observers see when a step of the loop fails.
type SessionError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("voice %s (%s): %v", e.Op, e.Class, e.Err)
}

func (e *SessionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Classify maps an adapter error to its class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return ClassFatal
	case errors.Is(err, context.Canceled):
		return ClassTransient
	default:
		var se *SessionError
		if errors.As(err, &se) && se.Class != "" {
			return se.Class
		}
		return ClassRecoverable
	}
}

// newSessionError wraps err for observers with the class Classify picks for it.
func newSessionError(op string, err error) *SessionError {
	return &SessionError{Class: Classify(err), Op: op, Err: err}
}

// isRetryableCaptureError reports whether a failed capture start may be retried after a short delay.
func isRetryableCaptureError(err error) bool {
	if err == nil || errors.Is(err, ErrPermissionDenied) {
		return false
	}
	return true
}
