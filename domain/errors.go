package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the referenced task id does not resolve to a
// persisted record.
var ErrNotFound = errors.New("task not found")

// ValidationError reports a malformed or incomplete intent. It is
// surfaced to the originator only and never broadcast.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StoreError wraps a persistence failure so callers can map it to the
// right surface (HTTP 500 / error event) without losing the cause.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
