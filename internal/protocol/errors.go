package protocol

import (
	"errors"
	"fmt"
)

// Error codes carried on the wire in error events.
const (
	CodeAuthFailed    = "AUTH_FAILED"
	CodeForbidden     = "FORBIDDEN"
	CodeNotFound      = "NOT_FOUND"
	CodeProtocolError = "PROTOCOL_ERROR"
	CodeTransport     = "TRANSPORT_ERROR"
)

var (
	// ErrNotFound marks a mutation referencing an element no longer
	// present. Benign: an expected race between concurrent erase and move.
	ErrNotFound = errors.New("element not found")
)

// DomainError is the typed error surfaced to callers for join rejections.
// Everything else is absorbed internally: transport errors trigger
// reconnects, stale mutation races are dropped, and resync is the recovery
// path for divergence.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func AuthenticationError(message string) *DomainError {
	return &DomainError{Code: CodeAuthFailed, Message: message}
}

func AuthorizationError(message string) *DomainError {
	return &DomainError{Code: CodeForbidden, Message: message}
}

func ProtocolError(message string) *DomainError {
	return &DomainError{Code: CodeProtocolError, Message: message}
}

// ErrorEvent is the wire shape of an error frame.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
