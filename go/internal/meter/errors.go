package meter

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("meter closed")

// NoSessionError means there is no valid session context. It is fatal to the
// view and is not retried.
type NoSessionError struct {
	Reason string
}

func (e *NoSessionError) Error() string {
	return "no session: " + e.Reason
}

// ConnectivityError means the snapshot subscription failed or was dropped, or
// the store clock could not be read. The meter does not reconnect on its own.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("store connectivity lost during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ValidationError is a bad command input caught before any store call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// WriteRejectedError wraps a failed merge or replace write. The local
// projection stays at the last good snapshot.
type WriteRejectedError struct {
	Op  string
	Err error
}

func (e *WriteRejectedError) Error() string {
	return fmt.Sprintf("%s write rejected: %v", e.Op, e.Err)
}

func (e *WriteRejectedError) Unwrap() error { return e.Err }

// TransitionError is a Start while running or a Stop while stopped.
type TransitionError struct {
	Op      string
	Running bool
}

func (e *TransitionError) Error() string {
	state := "stopped"
	if e.Running {
		state = "running"
	}
	return fmt.Sprintf("cannot %s: timer is %s", e.Op, state)
}
