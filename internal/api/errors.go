package api

import (
	"errors"
	"fmt"

	"github.com/wadahiro/authsession/internal/protocol"
)

// ErrUnauthorized matches any 401 response via errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

// NetworkError means no response was received.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: network error: %s", e.Method, e.Path, protocol.CleanGoErrorMessage(e.Err.Error()))
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ApplicationError is a 2xx response whose body reports success:false.
type ApplicationError struct {
	Status  int
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return "request failed"
	}
	return e.Message
}

// StatusError is a 4xx/5xx response.
type StatusError struct {
	Status  int
	Message string
	// Code is the RFC 6750 error code from WWW-Authenticate, when present.
	Code string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return protocol.FormatHTTPStatusLine(e.Status)
	}
	return e.Message
}

// Unwrap exposes ErrUnauthorized for 401 responses.
func (e *StatusError) Unwrap() error {
	if e.Status == 401 {
		return ErrUnauthorized
	}
	return nil
}

// Transient reports whether the failure is a 5xx server error.
func (e *StatusError) Transient() bool {
	return e.Status >= 500
}

// IsUnauthorized reports whether err carries a 401.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var ae *ApplicationError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

// IsTransient reports whether err is a network failure or a 5xx response.
func IsTransient(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Transient()
}
