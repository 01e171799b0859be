package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes a sync-core failure. The kind decides both the
// recovery strategy (retry, skip, surface) and the HTTP status the service
// surface reports.
type ErrorKind string

const (
	// ErrorKindTransport is a channel or request transport failure,
	// recoverable via backoff reconnect.
	ErrorKindTransport ErrorKind = "transport"

	// ErrorKindParse is a malformed event payload; the frame is skipped.
	ErrorKindParse ErrorKind = "parse"

	// ErrorKindApplyConflict means a change set was rejected because its
	// base version is stale; recoverable by refetch-then-retry.
	ErrorKindApplyConflict ErrorKind = "apply_conflict"

	// ErrorKindNotFound is an unknown version or document ID; fatal to the
	// specific operation, not to the session.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindRetriesExhausted means reconnect attempts ran out; fatal to
	// the connection until the caller reconnects explicitly.
	ErrorKindRetriesExhausted ErrorKind = "retries_exhausted"
)

// SyncError is the canonical error type crossing package boundaries in the
// sync core.
type SyncError struct {
	// Kind is the failure category.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// ItineraryID scopes the error to a document, when known.
	ItineraryID string `json:"itinerary_id,omitempty"`

	// Version carries the server's current head version on apply conflicts.
	Version int64 `json:"version,omitempty"`

	// StatusCode overrides the default HTTP status mapping.
	StatusCode int `json:"-"`

	// Err is the wrapped cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the HTTP status the service surface should report
// for this error.
func (e *SyncError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case ErrorKindApplyConflict:
		return http.StatusConflict
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindParse:
		return http.StatusBadRequest
	case ErrorKindTransport, ErrorKindRetriesExhausted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithItinerary scopes the error to a document.
func (e *SyncError) WithItinerary(id string) *SyncError {
	e.ItineraryID = id
	return e
}

// WithVersion attaches the server's current head version.
func (e *SyncError) WithVersion(v int64) *SyncError {
	e.Version = v
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *SyncError) WithStatusCode(code int) *SyncError {
	e.StatusCode = code
	return e
}

// WithCause wraps an underlying error.
func (e *SyncError) WithCause(err error) *SyncError {
	e.Err = err
	return e
}

// NewSyncError creates a sync error of the given kind.
func NewSyncError(kind ErrorKind, message string) *SyncError {
	return &SyncError{Kind: kind, Message: message}
}

// ErrTransport creates a transport error.
func ErrTransport(message string) *SyncError {
	return NewSyncError(ErrorKindTransport, message)
}

// ErrParse creates a parse error.
func ErrParse(message string) *SyncError {
	return NewSyncError(ErrorKindParse, message)
}

// ErrApplyConflict creates an apply-conflict error.
func ErrApplyConflict(message string) *SyncError {
	return NewSyncError(ErrorKindApplyConflict, message)
}

// ErrNotFound creates a not-found error.
func ErrNotFound(message string) *SyncError {
	return NewSyncError(ErrorKindNotFound, message)
}

// ErrRetriesExhausted creates a retries-exhausted error.
func ErrRetriesExhausted(message string) *SyncError {
	return NewSyncError(ErrorKindRetriesExhausted, message)
}

// IsKind reports whether err is a SyncError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
