package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage marks a raw record the normalizer refused. The record
	// is dropped and never retried.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrChannelUnavailable is returned by outbound operations while no
	// realtime channel exists.
	ErrChannelUnavailable = errors.New("realtime channel unavailable")
	// ErrNotAuthenticated is returned when an operation needs the current user.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// InvalidMessageError describes why a record was rejected.
type InvalidMessageError struct {
	Field  string
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

func (e *InvalidMessageError) Unwrap() error { return ErrInvalidMessage }

func invalid(field, reason string) error {
	return &InvalidMessageError{Field: field, Reason: reason}
}

// MergeError wraps an unexpected failure raised while applying an inbound
// event to the ledger.
type MergeError struct {
	Event string
	Cause any
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %s: %v", e.Event, e.Cause)
}

func (e *MergeError) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}
