package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a client error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates the request was rejected before sending.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeConnection indicates the stream could not be opened.
	ErrorTypeConnection ErrorType = "connection"

	// ErrorTypeTransport indicates the stream broke after it was opened.
	ErrorTypeTransport ErrorType = "transport"

	// ErrorTypeRemoteTask indicates the research engine reported a failure.
	ErrorTypeRemoteTask ErrorType = "remote_task"

	// ErrorTypeParse indicates a single frame could not be decoded.
	ErrorTypeParse ErrorType = "parse"

	// ErrorTypeCancelled indicates the caller stopped the stream.
	ErrorTypeCancelled ErrorType = "cancelled"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeBadStatus          ErrorCode = "bad_status"
	ErrorCodeUnreachable        ErrorCode = "unreachable"
	ErrorCodeStreamInterrupted  ErrorCode = "stream_interrupted"
	ErrorCodeStreamEndedEarly   ErrorCode = "stream_ended_early"
	ErrorCodeInvalidJSON        ErrorCode = "invalid_json"
	ErrorCodeUnsupportedPayload ErrorCode = "unsupported_payload"
)

// ErrCancelled is matched by errors.Is for every user cancellation.
var ErrCancelled = errors.New("stream cancelled by user")

// APIError is the canonical error surfaced by the client, stream controller,
// and orchestrator.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the request parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode is the HTTP status returned by the engine, if any
	StatusCode int `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *APIError) Unwrap() error {
	return e.cause
}

// Is makes cancelled errors match ErrCancelled.
func (e *APIError) Is(target error) bool {
	return target == ErrCancelled && e.Type == ErrorTypeCancelled
}

// HTTPStatusCode returns the status code the console server reports for this error.
func (e *APIError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeConnection, ErrorTypeTransport, ErrorTypeRemoteTask:
		return http.StatusBadGateway
	case ErrorTypeCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode records the HTTP status returned by the engine.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause records the underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrConnection creates an error for a stream that could not be opened.
func ErrConnection(message string) *APIError {
	return NewAPIError(ErrorTypeConnection, message)
}

// ErrTransport creates an error for a stream that broke mid-way.
func ErrTransport(message string) *APIError {
	return NewAPIError(ErrorTypeTransport, message).
		WithCode(ErrorCodeStreamInterrupted)
}

// ErrRemoteTask creates an error carrying the engine's failure message.
func ErrRemoteTask(message string) *APIError {
	return NewAPIError(ErrorTypeRemoteTask, message)
}

// ErrFrameParse creates a per-frame decoding error.
func ErrFrameParse(message string) *APIError {
	return NewAPIError(ErrorTypeParse, message).
		WithCode(ErrorCodeInvalidJSON)
}

// ErrUserCancelled creates the error reported for a user-initiated stop.
func ErrUserCancelled() *APIError {
	return NewAPIError(ErrorTypeCancelled, "stopped by user")
}

// IsType reports whether err is an *APIError of the given type.
func IsType(err error, t ErrorType) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Type == t
}
