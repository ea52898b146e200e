package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when the caller is not a participant of
	// the conversation it addresses.
	ErrPermissionDenied = errors.New("chat: permission denied")

	// ErrSessionNotFound is returned for conversations that have no message yet.
	ErrSessionNotFound = errors.New("chat: session not found")
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chat: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StoreError marks a failure of the document store or blob store. The caller
// owns retry and any rollback of optimistic state.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("chat: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err came from a collaborator rather than from
// validation or access control.
func IsTransient(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSessionNotFound) || IsValidation(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
