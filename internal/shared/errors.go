package shared

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
	// ErrInvalidTransition indicates a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrBusy indicates contention outlasted the retry budget.
	ErrBusy = errors.New("resource busy, retry later")
	// ErrConflict signals a lost compare-and-swap; callers retry the whole unit.
	ErrConflict = errors.New("concurrent modification")
	// ErrDuplicate indicates a unique constraint violation.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrRejected matches every *Rejection via errors.Is.
	ErrRejected = errors.New("operation rejected")
	// ErrStorage matches every *StorageError via errors.Is.
	ErrStorage = errors.New("storage failure")
	// ErrValidation matches every ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")
)

// Rejection is a business-rule refusal. Nothing was mutated.
type Rejection struct {
	Reason  string
	Message string
}

// Reject builds a Rejection with a formatted message.
func Reject(reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return r.Reason
	}
	return r.Message
}

// Is reports a match against ErrRejected.
func (r *Rejection) Is(target error) bool {
	return target == ErrRejected
}

// RejectionReason returns the reason code when err carries a Rejection.
func RejectionReason(err error) string {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

// StorageError wraps a persistence failure. The wrapped error is never shown to users.
type StorageError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "storage: " + e.Op + " failed"
	}
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports a match against ErrStorage.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// IsTransient reports whether err is a storage failure worth retrying later.
func IsTransient(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ValidationError maps input fields to their failure message.
type ValidationError struct {
	Fields map[string]string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %d field(s)", len(e.Fields))
}

// Is reports a match against ErrValidation.
func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UserSafeMessage returns text that can be shown to an operator.
func UserSafeMessage(err error) string {
	var rej *Rejection
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rej):
		return rej.Error()
	case errors.Is(err, ErrNotFound):
		return "The requested record was not found."
	case errors.Is(err, ErrInvalidTransition):
		return "The record is not in a state that allows this action."
	case errors.Is(err, ErrBusy), errors.Is(err, ErrConflict):
		return "The record is busy. Please retry shortly."
	case errors.Is(err, ErrDuplicate):
		return "A record with the same identity already exists."
	case errors.Is(err, ErrValidation):
		return "Some fields are invalid."
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid email or password."
	case IsTransient(err):
		return "The service is temporarily unavailable. Nothing was changed."
	default:
		return "An unexpected error occurred."
	}
}
