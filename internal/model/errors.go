// Package model holds the attendance domain types shared by the sync components.
package model

import (
	"errors"
	"fmt"
)

// ErrNotFound marks an absent saved record or session document. Callers treat
// it as an empty state, not a failure.
var ErrNotFound = errors.New("not found")

// ErrForbidden marks a request outside the caller's enrolled sections.
var ErrForbidden = errors.New("forbidden")

// ValidationError reports a missing or malformed argument. No write is attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PersistError wraps a failed write of a user's saved record.
type PersistError struct {
	UserID string
	Err    error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist saved record for %s: %v", e.UserID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// FetchError wraps a failed read, one-shot or live.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsPersist reports whether err is a PersistError.
func IsPersist(err error) bool {
	var p *PersistError
	return errors.As(err, &p)
}

// IsFetch reports whether err is a FetchError.
func IsFetch(err error) bool {
	var f *FetchError
	return errors.As(err, &f)
}
