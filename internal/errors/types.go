package errors

import (
	"errors"
	"fmt"
)

// Kind identifies a semantic failure class used across the proxy core.
type Kind string

const (
	KindConfig             Kind = "config_error"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindNoHealthyKeys      Kind = "no_healthy_keys"
	KindUpstreamTransport  Kind = "upstream_transport"
	KindCircuitOpen        Kind = "circuit_open"
	KindRequestTooLarge    Kind = "request_too_large"
	KindInternal           Kind = "internal_error"
)

// Sentinel errors for hot-path dispatch. Wrap them with %w so callers can
// use errors.Is without depending on message text.
var (
	ErrNoHealthyKeys      = errors.New("no healthy keys available")
	ErrStorageUnavailable = errors.New("key state storage unavailable")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrRequestTooLarge    = errors.New("request exceeds token limit")
)

// Error carries a kind alongside the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a kinded error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a kinded error around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	switch {
	case errors.Is(err, ErrNoHealthyKeys):
		return KindNoHealthyKeys
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrRequestTooLarge):
		return KindRequestTooLarge
	}
	return KindInternal
}
