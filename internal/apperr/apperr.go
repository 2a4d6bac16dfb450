// Package apperr defines the error taxonomy shared by handlers, the session
// controller and the generation worker.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	Internal Kind = iota
	Unauthorized
	Forbidden
	NotFound
	Conflict
	Validation
	Upstream
)

// Error is a classified error with an operator-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E creates a classified error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind of an error, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps an error to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Validation:
		return http.StatusBadRequest
	case Upstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
