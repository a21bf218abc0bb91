// Package apierr defines the pipeline's uniform error representation and the
// translation of failed backend responses into it.
//
// Callers inspect failures with errors.As(err, &*apierr.Error) or the KindOf and
// IsRetryable helpers; every terminal failure of the request pipeline is an *Error.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindTimeout     Kind = "timeout"
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindForbidden   Kind = "forbidden"
	KindServerError Kind = "server_error"
	KindUnknown     Kind = "unknown"
)

// Error is a structured, display-ready failure. Values are never mutated once
// returned; use WithCause to attach a cause.
type Error struct {
	Kind        Kind     `json:"kind"`
	Message     string   `json:"message"`
	HTTPStatus  int      `json:"status,omitempty"`
	Retryable   bool     `json:"retryable"`
	Suggestions []string `json:"suggestions,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause returns a copy of e that unwraps to cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Suggestions = append([]string(nil), e.Suggestions...)
	cp.cause = cause
	return &cp
}

// New builds an Error of the given kind, applying the kind's default retryability
// and the status's suggestions.
func New(kind Kind, status int, message string) *Error {
	return &Error{
		Kind:        kind,
		Message:     message,
		HTTPStatus:  status,
		Retryable:   retryableKind(kind),
		Suggestions: SuggestionsFor(kind, status),
	}
}

// Timeout reports a client-side deadline that elapsed before the backend answered.
// It carries 408 semantics although no 408 was received.
func Timeout(cause error) *Error {
	return New(KindTimeout, http.StatusRequestTimeout, "Request timed out").WithCause(cause)
}

// Network reports a transport failure (DNS, connection refused, reset).
func Network(cause error) *Error {
	msg := "Network error"
	if cause != nil {
		msg = "Network error: unable to reach the server"
	}
	return New(KindNetwork, 0, msg).WithCause(cause)
}

// Auth builds a terminal authentication failure with a fixed message.
func Auth(message string) *Error {
	return New(KindAuth, http.StatusUnauthorized, message)
}

func retryableKind(k Kind) bool {
	switch k {
	case KindNetwork, KindTimeout, KindAuth, KindServerError:
		return true
	default:
		return false
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus
	}
	return 0
}
