// Package toolerr provides structured error types for tool invocation
// failures. ToolError preserves error chains and supports errors.Is/As while
// remaining serializable, so worker failures always cross the engine boundary
// as data rather than panics or opaque strings.
package toolerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a tool failure. The engine uses kinds (together with the
// step's retry policy) to decide whether an attempt is worth repeating.
type Kind string

const (
	KindConnection   Kind = "connection"
	KindTimeout      Kind = "timeout"
	KindRateLimit    Kind = "rate_limit"
	KindServerError  Kind = "server_error"
	KindAuth         Kind = "auth"
	KindNotFound     Kind = "not_found"
	KindClientError  Kind = "client_error"
	KindSchema       Kind = "schema"
	KindParse        Kind = "parse"
	KindDBDeadlock   Kind = "db_deadlock"
	KindDBConnection Kind = "db_connection"
	KindDBTimeout    Kind = "db_timeout"
	KindDBConstraint Kind = "db_constraint"
	KindCancelled    Kind = "cancelled"
)

// ToolError represents a structured tool failure. Tool errors may be nested
// via Cause to retain rich diagnostics across retries and sub-playbook hops.
type ToolError struct {
	// Kind classifies the failure for retry decisions.
	Kind Kind `json:"kind"`
	// Message is the human-readable summary of the failure.
	Message string `json:"message"`
	// Retryable is the worker-computed hint derived from Kind and codes.
	Retryable bool `json:"retryable"`
	// Code is an optional tool-specific error code.
	Code string `json:"code,omitempty"`
	// HTTPStatus carries the HTTP status for http-backed tools, zero otherwise.
	HTTPStatus int `json:"http_status,omitempty"`
	// PGCode carries the SQLSTATE for database-backed tools, empty otherwise.
	PGCode string `json:"pg_code,omitempty"`
	// RetryAfter is a server-suggested delay before the next attempt, if any.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// ExceptionType names the original exception class for script tools.
	ExceptionType string `json:"exception_type,omitempty"`
	// Cause links to the underlying tool error, enabling errors.Is/As chains.
	Cause *ToolError `json:"cause,omitempty"`
}

// New constructs a ToolError with the provided kind and message. Retryable is
// derived from the kind; use the field directly to override.
func New(kind Kind, message string) *ToolError {
	if message == "" {
		message = string(kind)
	}
	return &ToolError{Kind: kind, Message: message, Retryable: kindRetryable(kind)}
}

// Errorf formats according to a format specifier and returns a ToolError of
// the given kind.
func Errorf(kind Kind, format string, args ...any) *ToolError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap constructs a ToolError that wraps an underlying error. The cause is
// converted into a ToolError chain so metadata survives serialization while
// still supporting errors.Is/As through Unwrap.
func Wrap(kind Kind, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	e := New(kind, message)
	e.Cause = FromError(cause)
	return e
}

// FromError converts an arbitrary error into a ToolError chain. Non-tool
// errors map to server_error so the engine always has a kind to evaluate.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Kind:      KindServerError,
		Message:   err.Error(),
		Retryable: kindRetryable(KindServerError),
		Cause:     FromError(errors.Unwrap(err)),
	}
}

// FromHTTPStatus constructs a ToolError from an HTTP response status,
// deriving kind and retryability the way the transport layer would.
func FromHTTPStatus(status int, message string) *ToolError {
	kind := KindClientError
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindServerError
	}
	e := New(kind, message)
	e.HTTPStatus = status
	e.Retryable = httpRetryable(status)
	return e
}

// FromPGCode constructs a ToolError from a SQLSTATE code.
func FromPGCode(code, message string) *ToolError {
	kind := KindClientError
	switch {
	case code == "40P01": // deadlock_detected
		kind = KindDBDeadlock
	case code == "57014": // query_canceled
		kind = KindDBTimeout
	case len(code) >= 2 && code[:2] == "08": // connection exceptions
		kind = KindDBConnection
	case len(code) >= 2 && code[:2] == "23": // integrity constraint violations
		kind = KindDBConstraint
	}
	e := New(kind, message)
	e.PGCode = code
	return e
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// kindRetryable reports the default retryability for a kind. Transient infra
// and throttling kinds retry; auth, schema and lookup failures do not.
func kindRetryable(kind Kind) bool {
	switch kind {
	case KindConnection, KindTimeout, KindRateLimit, KindServerError,
		KindDBDeadlock, KindDBConnection, KindDBTimeout:
		return true
	default:
		return false
	}
}

// httpRetryable reports whether an HTTP status is worth retrying.
func httpRetryable(status int) bool {
	switch status {
	case http.StatusServiceUnavailable,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusGatewayTimeout,
		http.StatusRequestTimeout:
		return true
	}
	return status >= 500
}
