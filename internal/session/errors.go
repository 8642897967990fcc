package session

import (
	"errors"
	"fmt"

	"wasteland-tarot/internal/models"
)

// Typed errors returned by the store and API client. Expected conditions
// (not found, conflict, offline) are recorded on store state as well, so
// consumers can render without inspecting every return.

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "validation error" }

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

type InvalidStateError struct{ Message string }

func (e *InvalidStateError) Error() string { return e.Message }

type ConflictError struct {
	Message   string
	Conflicts []models.ConflictInfo
}

func (e *ConflictError) Error() string { return e.Message }

type NetworkError struct {
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *NetworkError) Unwrap() error { return e.Err }

type TimeoutError struct{ Message string }

func (e *TimeoutError) Error() string { return e.Message }

// IsOfflineError reports whether err means the remote API could not be
// reached at all, as opposed to answering with a failure.
func IsOfflineError(err error) bool {
	var ne *NetworkError
	var te *TimeoutError
	return errors.As(err, &ne) || errors.As(err, &te)
}
