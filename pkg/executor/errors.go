package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TransferError reports a failed copy between the host and a cage.
type TransferError struct {
	// Direction is "copy-in" or "copy-out".
	Direction string

	// Path is the source whose transfer failed.
	Path string

	// Err is the underlying failure, nil when the path simply does not
	// exist.
	Err error
}

// Error implements the error interface.
func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to %s %s: %v", e.Direction, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s %s: no such path", e.Direction, e.Path)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *TransferError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a cage command that exited non-zero, or that
// could not be started at all (Code -1 with Err set).
type ExecutionError struct {
	// Command is the shell string that failed.
	Command string

	// Code is the exit status, -1 when the command never ran.
	Code int

	// Err is set when the failure happened before or outside the command
	// itself.
	Err error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to run '%s': %v", e.Command, e.Err)
	}
	return fmt.Sprintf("failed to run '%s' (status=%d)", e.Command, e.Code)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ExecutionTimeout reports a cage command killed because its wall-clock
// budget expired.
type ExecutionTimeout struct {
	// Command is the shell string that was killed.
	Command string

	// Elapsed is how long the command ran before the kill.
	Elapsed time.Duration
}

// Error implements the error interface.
func (e *ExecutionTimeout) Error() string {
	return fmt.Sprintf("command timed out after %s: '%s'", e.Elapsed.Round(time.Millisecond), e.Command)
}

// Unwrap reports the timeout as a deadline error so callers can use
// errors.Is(err, context.DeadlineExceeded).
func (e *ExecutionTimeout) Unwrap() error {
	return context.DeadlineExceeded
}

// DecodeError reports malformed RPC argument framing. See the qubes
// backend for the encoding it covers.
type DecodeError struct {
	// Input is the raw argument that failed to decode.
	Input string

	// Reason describes the framing violation.
	Reason string
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode %q: %s", e.Input, e.Reason)
}

// IsTransfer reports whether err is or wraps a *TransferError.
func IsTransfer(err error) bool {
	var e *TransferError
	return errors.As(err, &e)
}

// IsExecution reports whether err is or wraps an *ExecutionError.
func IsExecution(err error) bool {
	var e *ExecutionError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is or wraps an *ExecutionTimeout.
func IsTimeout(err error) bool {
	var e *ExecutionTimeout
	return errors.As(err, &e)
}

// IsDecode reports whether err is or wraps a *DecodeError.
func IsDecode(err error) bool {
	var e *DecodeError
	return errors.As(err, &e)
}
