// Package forgeerrors contains the typed errors shared by the coordinator, the agents and the workers.
//
// Errors are wrapped with github.com/pkg/errors as they travel up the stack; callers recover the typed
// error with errors.As. The protocol package maps these types onto wire result kinds, so a handler
// returning an *ErrNotFound is answered with a "not found" result rather than a generic exception.
//
// If multiple errors occur in some function (e.g., if several workers fail to shut down), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package forgeerrors

import (
	"fmt"
	"time"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "worker" or "future"
	Value   string // Resource name, e.g., "C_A1_W2"
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is returned whenever an addressed component isn't known at the destination.
// It is a routing failure: non-fatal, answered with a typed "not found" result.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "agentIndex"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrProtocol signals a malformed frame. It is fatal to the connection it was read from and never retried.
type ErrProtocol struct {
	Message string
}

func (err *ErrProtocol) Error() string {
	return "protocol error: " + err.Message
}

// ErrLaunch signals that a worker process could not be brought up: it either exited before announcing
// itself or did not announce itself within the startup timeout.
type ErrLaunch struct {
	Worker        string
	HomeDirectory string
	Message       string
	TimedOut      bool
}

func (err *ErrLaunch) Error() string {
	return fmt.Sprintf("failed to launch worker %s: %s; see the logs in %s", err.Worker, err.Message, err.HomeDirectory)
}

// ErrCorrelationTimeout is returned to a caller whose wait for a response expired.
// The pending request stays registered: a late response is still accepted by the registry.
type ErrCorrelationTimeout struct {
	Key     string
	Timeout time.Duration
}

func (err *ErrCorrelationTimeout) Error() string {
	return fmt.Sprintf("timed out after %s waiting for response to %s", err.Timeout, err.Key)
}

// ErrUnsupportedOperation is returned when a component receives an operation it has no handler for.
type ErrUnsupportedOperation struct {
	Operation string
	Component string
}

func (err *ErrUnsupportedOperation) Error() string {
	return fmt.Sprintf("operation %s is not supported by %s", err.Operation, err.Component)
}
