package processional

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnserializable          = errors.New("value cannot be serialized")
	ErrMalformedEnvelope       = errors.New("malformed envelope")
	ErrCorrupt                 = errors.New("corrupt payload")
	ErrUnknownReference        = errors.New("unknown remote object reference")
	ErrConnectionLost          = errors.New("connection lost")
	ErrHandleClosed            = errors.New("handle closed")
	ErrCancellationUnconfirmed = errors.New("cancellation unconfirmed")
	ErrCancelled               = errors.New("task cancelled")
	ErrInterrupted             = errors.New("task interrupted")
	ErrFunctionNotFound        = errors.New("function not found")
	ErrBadArguments            = errors.New("bad arguments")
	ErrNoAttribute             = errors.New("no such attribute")
	ErrProxyReleased           = errors.New("proxy released")
	ErrWaitTimeout             = errors.New("wait timed out")
)

// FailureKind classifies a Failure envelope so the master can map it back to
// a sentinel error.
type FailureKind string

const (
	FailureError            FailureKind = "error"
	FailurePanic            FailureKind = "panic"
	FailureUnserializable   FailureKind = "unserializable"
	FailureCorrupt          FailureKind = "corrupt"
	FailureUnknownReference FailureKind = "unknown_reference"
	FailureNotFound         FailureKind = "not_found"
	FailureBadArguments     FailureKind = "bad_arguments"
	FailureNoAttribute      FailureKind = "no_attribute"
	FailureInterrupted      FailureKind = "interrupted"
)

// RemoteError represents a failure raised on the slave side of a call.
type RemoteError struct {
	Kind    FailureKind
	Message string
	Trace   string
}

func (e *RemoteError) Error() string {
	if e.Kind == FailurePanic {
		return "remote panic: " + e.Message
	}
	return e.Message
}

// Unwrap returns the sentinel matching Kind for errors.Is support
func (e *RemoteError) Unwrap() error {
	switch e.Kind {
	case FailureUnserializable:
		return ErrUnserializable
	case FailureCorrupt:
		return ErrCorrupt
	case FailureUnknownReference:
		return ErrUnknownReference
	case FailureNotFound:
		return ErrFunctionNotFound
	case FailureBadArguments:
		return ErrBadArguments
	case FailureNoAttribute:
		return ErrNoAttribute
	case FailureInterrupted:
		return ErrInterrupted
	}
	return nil
}

// failureOf converts an error produced while serving a request into the
// payload carried back to the master.
func failureOf(err error) failurePayload {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return failurePayload{Kind: remote.Kind, Message: remote.Message, Trace: remote.Trace}
	}

	kind := FailureError
	switch {
	case errors.Is(err, ErrUnserializable):
		kind = FailureUnserializable
	case errors.Is(err, ErrCorrupt):
		kind = FailureCorrupt
	case errors.Is(err, ErrUnknownReference):
		kind = FailureUnknownReference
	case errors.Is(err, ErrFunctionNotFound):
		kind = FailureNotFound
	case errors.Is(err, ErrBadArguments):
		kind = FailureBadArguments
	case errors.Is(err, ErrNoAttribute):
		kind = FailureNoAttribute
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		kind = FailureInterrupted
	}
	return failurePayload{Kind: kind, Message: err.Error()}
}

// connectionLost wraps a transport failure so both the sentinel and the
// underlying cause survive errors.Is.
func connectionLost(cause error) error {
	switch {
	case cause == nil:
		return ErrConnectionLost
	case errors.Is(cause, ErrConnectionLost):
		return cause
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, cause)
}

func cancelled(cause error) error {
	if cause == nil || errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
