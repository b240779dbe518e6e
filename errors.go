package streamsource

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for common conditions.
var (
	// ErrWrongExpectedVersion indicates the expected stream version did not
	// match after any internal retries were exhausted.
	ErrWrongExpectedVersion = errors.New("streamsource: stream is not at the expected version")

	// ErrStoreClosed indicates a write was attempted after Close began.
	ErrStoreClosed = errors.New("streamsource: store is closed")

	// ErrInconsistentStreamType indicates a write targeted a stream whose
	// stored type mismatches. Reserved; enforced by storage.
	ErrInconsistentStreamType = errors.New("streamsource: stream type mismatch")
)

// InvalidParameterError indicates a request was rejected before any I/O.
// The message shape is fixed ("<field> is required", "<field> must be a
// UUID") so callers can match on it.
type InvalidParameterError struct {
	Param  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return e.Param + " " + e.Reason
}

func invalidParam(param, reason string) *InvalidParameterError {
	return &InvalidParameterError{Param: param, Reason: reason}
}

// DuplicateMessageError indicates a message id was already present anywhere
// in the store. The offending id is carried on the error.
type DuplicateMessageError struct {
	ID uuid.UUID
}

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("streamsource: message %s has already been written", e.ID)
}

// StorageError wraps an unclassified storage or transport failure. It is
// surfaced to the caller, never retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("streamsource: %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
