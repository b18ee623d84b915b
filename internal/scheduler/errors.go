package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned by Schedule and Batch when an event cannot
	// be accepted (currently: an empty topic).
	ErrInvalidInput = errors.New("scheduler: invalid schedule input")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("scheduler: already started")

	// ErrStopped is returned by Start once Stop has been called.
	ErrStopped = errors.New("scheduler: stopped")

	// ErrSinkPanic wraps a panic recovered from the dispatch sink.
	ErrSinkPanic = errors.New("scheduler: dispatch sink panicked")
)

// DispatchError describes one event whose dispatch failed during a tick.
// Tick combines all of them into a single multierr value; use
// multierr.Errors or errors.As to inspect them.
type DispatchError struct {
	EventID   string
	Topic     string
	Timestamp int64
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("scheduler: dispatch %s [%s] at %d: %v", e.EventID, e.Topic, e.Timestamp, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
