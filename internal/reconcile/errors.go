package reconcile

import (
	"errors"
	"fmt"

	"gudangops/backend/internal/store"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError means the record already left pending, usually
// because a concurrent caller got there first.
type InvalidTransitionError struct {
	RecordID string
	From     string
	To       string
}

func (e *InvalidTransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("record %s: invalid transition to %s", e.RecordID, e.To)
	}
	return fmt.Sprintf("record %s: invalid transition %s -> %s", e.RecordID, e.From, e.To)
}

// ApplyFailedError means the subject could not be updated. The record is
// still pending and the approval may be retried.
type ApplyFailedError struct {
	RecordID string
	Subject  string
	Err      error
}

func (e *ApplyFailedError) Error() string {
	return fmt.Sprintf("record %s: apply to %s: %v", e.RecordID, e.Subject, e.Err)
}

func (e *ApplyFailedError) Unwrap() error {
	return e.Err
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// BusyError means another operation on the same subject is in flight.
type BusyError struct {
	Key string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s is busy", e.Key)
}

// UserMessage maps an error to the single short message shown to end users.
func UserMessage(err error) string {
	var (
		validationErr *ValidationError
		transitionErr *InvalidTransitionError
		applyErr      *ApplyFailedError
		notFoundErr   *NotFoundError
		busyErr       *BusyError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr):
		return "please check the submitted data"
	case errors.As(err, &transitionErr):
		return "this item was already processed"
	case errors.As(err, &applyErr):
		return "the change could not be applied, please try again"
	case errors.As(err, &notFoundErr):
		return "the item no longer exists"
	case errors.As(err, &busyErr):
		return "this item is being processed, please try again shortly"
	}
	return "something went wrong, please try again"
}

// Retryable reports whether repeating the same call may succeed.
func Retryable(err error) bool {
	var (
		applyErr *ApplyFailedError
		busyErr  *BusyError
	)
	return errors.As(err, &applyErr) || errors.As(err, &busyErr)
}

func isTyped(err error) bool {
	var (
		validationErr *ValidationError
		transitionErr *InvalidTransitionError
		applyErr      *ApplyFailedError
		notFoundErr   *NotFoundError
		busyErr       *BusyError
	)
	return errors.As(err, &validationErr) ||
		errors.As(err, &transitionErr) ||
		errors.As(err, &applyErr) ||
		errors.As(err, &notFoundErr) ||
		errors.As(err, &busyErr)
}

// FromStoreError turns store sentinels into the typed errors above. Anything else
// is an infrastructure failure and passes through.
func FromStoreError(err error, entity string, id string) error {
	if err == nil || isTyped(err) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &NotFoundError{Entity: entity, ID: id}
	case errors.Is(err, store.ErrInvalidTransition):
		return &InvalidTransitionError{RecordID: id}
	case errors.Is(err, store.ErrInvalidInput):
		return &ValidationError{Field: entity, Reason: "rejected by store"}
	case errors.Is(err, store.ErrInsufficientStock):
		return &ValidationError{Field: entity, Reason: "insufficient stock"}
	}
	return err
}
