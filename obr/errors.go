package obr

import (
	"errors"
	"fmt"
)

// TransportError wraps a network level failure, before any HTTP
// status was received. It is retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamServerError is a 5xx from the bank. It is retryable.
type UpstreamServerError struct {
	Status int
	Body   string
}

func (e *UpstreamServerError) Error() string {
	return fmt.Sprintf("bank returned %d: %s", e.Status, e.Body)
}

// UpstreamClientError is a 4xx from the bank. Never retried.
type UpstreamClientError struct {
	Status int
	Body   string
}

func (e *UpstreamClientError) Error() string {
	return fmt.Sprintf("bank rejected request with %d: %s", e.Status, e.Body)
}

// ProtocolViolationError means the bank answered 2xx but the payload
// is missing a field the protocol requires.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

type SignatureValidationError struct {
	Reason string
	Err    error
}

func (e *SignatureValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bank token signature validation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("bank token signature validation failed: %s", e.Reason)
}

func (e *SignatureValidationError) Unwrap() error { return e.Err }

// ConsentTerminalError marks a consent that reached a terminal state
// (rejected, expired, revoked or cancelled). Re-initiation is the only
// way forward.
type ConsentTerminalError struct {
	ConsentID string
	Status    string
}

func (e *ConsentTerminalError) Error() string {
	return fmt.Sprintf("consent %s is terminal: %s", e.ConsentID, e.Status)
}

// Retryable reports whether the call may be repeated. Only transport
// failures and server side errors qualify.
func Retryable(err error) bool {
	var te *TransportError
	var se *UpstreamServerError
	return errors.As(err, &te) || errors.As(err, &se)
}
