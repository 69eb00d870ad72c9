// Package syncerr defines the error kinds shared by the dispatcher and the
// inbound receiver.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds. Every *Error wraps exactly one of these so callers can
// branch with errors.Is.
var (
	ErrAuth         = errors.New("auth error")
	ErrLoopDetected = errors.New("loop detected")
	ErrValidation   = errors.New("validation error")
	ErrNetwork      = errors.New("network error")
	ErrRemote       = errors.New("remote error")
	ErrExhausted    = errors.New("exhausted retries")
	ErrNotFound     = errors.New("not found")
)

// Error carries the kind plus enough context to log a failed operation.
type Error struct {
	Kind   error
	Op     string
	Status int // HTTP status observed on the wire, 0 if none
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error of the given kind.
func New(kind error, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an *Error of the given kind around err.
func Wrap(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Remote builds a RemoteError for a response with the given status.
func Remote(op string, status int, msg string) *Error {
	return &Error{Kind: ErrRemote, Op: op, Status: status, Msg: msg}
}

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRemote)
}

// HTTPStatus maps err to the status the receiver answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrLoopDetected):
		return http.StatusBadRequest
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Reason returns a short label for metrics and dead letters.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrLoopDetected):
		return "loop_detected"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrRemote):
		return "remote"
	case errors.Is(err, ErrExhausted):
		return "max_retries"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "other"
	}
}
