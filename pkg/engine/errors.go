package engine

import (
	"errors"
	"fmt"

	"github.com/distforge/distforge/pkg/cage"
	"github.com/distforge/distforge/pkg/executor"
)

// ErrorClass classifies a pipeline failure by where it belongs in the
// run lifecycle.
type ErrorClass string

const (
	// ErrorClassConfiguration marks errors detected before any
	// execution: unknown executor kinds, missing handlers, invalid
	// dependency graphs. They abort the run as a whole.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassTransfer marks copy-in or copy-out failures at the
	// cage boundary.
	ErrorClassTransfer ErrorClass = "transfer"

	// ErrorClassExecution marks command failures inside a cage.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassTimeout marks stage wall-clock budget expiry.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassDecode marks RPC framing violations on the qubes
	// transport.
	ErrorClassDecode ErrorClass = "decode"

	// ErrorClassBlocked marks units never attempted because an
	// upstream unit failed.
	ErrorClassBlocked ErrorClass = "blocked"
)

// PipelineError is a classified pipeline failure carrying the job unit
// key it belongs to. Stage-scoped classes (transfer, execution,
// timeout, decode) stop at the scheduler as unit failure records;
// configuration errors propagate to the caller before execution.
type PipelineError struct {
	// Class is the failure classification.
	Class ErrorClass

	// Code is an optional short code for programmatic handling.
	Code string

	// Message is the human-readable description.
	Message string

	// Component, Distribution and Stage locate the failing unit.
	// All three may be empty for run-level failures.
	Component    string
	Distribution string
	Stage        string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Component != "" || e.Distribution != "" || e.Stage != "" {
		msg += fmt.Sprintf(" (%s:%s:%s)", e.Component, e.Distribution, e.Stage)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// WithKey attaches the failing unit's identity.
func (e *PipelineError) WithKey(component, distribution, stage string) *PipelineError {
	e.Component = component
	e.Distribution = distribution
	e.Stage = stage
	return e
}

// WithCode attaches a short error code.
func (e *PipelineError) WithCode(code string) *PipelineError {
	e.Code = code
	return e
}

// NewConfigurationError creates a fatal pre-execution error.
func NewConfigurationError(message string, err error) *PipelineError {
	return &PipelineError{Class: ErrorClassConfiguration, Message: message, Err: err}
}

// NewTransferError creates a cage staging or collection error.
func NewTransferError(message string, err error) *PipelineError {
	return &PipelineError{Class: ErrorClassTransfer, Message: message, Err: err}
}

// NewExecutionError creates an in-cage command failure.
func NewExecutionError(message string, err error) *PipelineError {
	return &PipelineError{Class: ErrorClassExecution, Message: message, Err: err}
}

// NewTimeoutError creates a stage budget expiry error.
func NewTimeoutError(message string, err error) *PipelineError {
	return &PipelineError{Class: ErrorClassTimeout, Message: message, Err: err}
}

// NewDecodeError creates an RPC framing error.
func NewDecodeError(message string, err error) *PipelineError {
	return &PipelineError{Class: ErrorClassDecode, Message: message, Err: err}
}

// NewBlockedError creates a never-attempted error for a unit whose
// upstream failed.
func NewBlockedError(message string) *PipelineError {
	return &PipelineError{Class: ErrorClassBlocked, Message: message}
}

// Classify wraps an error surfacing from the cage boundary into the
// pipeline taxonomy using the executor-level types. Errors that are
// already classified pass through unchanged.
func Classify(err error) *PipelineError {
	if err == nil {
		return nil
	}
	var classified *PipelineError
	if errors.As(err, &classified) {
		return classified
	}
	switch {
	case cage.IsStageTimeout(err) || executor.IsTimeout(err):
		return NewTimeoutError("stage timed out", err)
	case executor.IsTransfer(err):
		return NewTransferError("transfer failed", err)
	case executor.IsDecode(err):
		return NewDecodeError("rpc framing violation", err)
	case executor.IsExecution(err):
		return NewExecutionError("stage command failed", err)
	default:
		return NewExecutionError("stage failed", err)
	}
}

// classOf reports the class of a classified error, empty otherwise.
func classOf(err error) ErrorClass {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsConfigurationError reports whether err is a fatal pre-execution
// error.
func IsConfigurationError(err error) bool {
	return classOf(err) == ErrorClassConfiguration
}

// IsBlocked reports whether err marks a never-attempted unit.
func IsBlocked(err error) bool {
	return classOf(err) == ErrorClassBlocked
}

// IsStageScoped reports whether err stops at the failing unit instead
// of aborting the run.
func IsStageScoped(err error) bool {
	switch classOf(err) {
	case ErrorClassTransfer, ErrorClassExecution, ErrorClassTimeout, ErrorClassDecode:
		return true
	default:
		return false
	}
}
