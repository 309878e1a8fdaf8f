package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestrator errors. The kind is what callers see in
// the {error_kind, message} body and in TaskError.Kind.
type ErrorKind string

const (
	ErrValidation         ErrorKind = "ValidationError"
	ErrNotFound           ErrorKind = "NotFoundError"
	ErrInvalidTransition  ErrorKind = "InvalidTransitionError"
	ErrNoAvailableAgent   ErrorKind = "NoAvailableAgentError"
	ErrUnknownAgent       ErrorKind = "UnknownAgentError"
	ErrTransport          ErrorKind = "TransportError"
	ErrTimeout            ErrorKind = "Timeout"
	ErrWorkflowTimeout    ErrorKind = "WorkflowTimeout"
	ErrInvalidWorkflow    ErrorKind = "InvalidWorkflowError"
	ErrTemplateResolution ErrorKind = "TemplateResolutionError"
	ErrAgent              ErrorKind = "AgentError"
	ErrCancelled          ErrorKind = "Cancelled"
	ErrInternal           ErrorKind = "InternalError"
)

// Error is a typed orchestrator error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a typed error.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around a cause.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// ErrInternal when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// MessageOf returns the human readable message of a typed error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}

// TaskError is the persisted and wire form of a failure.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// AsTaskError converts any error into its wire form.
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: KindOf(err), Message: MessageOf(err)}
}
