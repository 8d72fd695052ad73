package backend

import (
	"errors"
	"fmt"
)

// ErrBackendTimeout is returned when a backend call exceeds its deadline.
var ErrBackendTimeout = errors.New("backend call timed out")

// ErrBackendNotFound is returned when a route names an unknown backend.
var ErrBackendNotFound = errors.New("backend not found")

// TransportError wraps a connectivity failure to a named backend.
type TransportError struct {
	Backend string
	Cause   error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("backend %s: transport error: %v", e.Backend, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// IsTimeout reports whether the error is a backend deadline failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrBackendTimeout)
}
