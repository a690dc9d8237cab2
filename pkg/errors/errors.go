package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the closed set of error kinds reported to signaling clients
// and HTTP callers.
type ErrorCode string

const (
	ErrCodeInvalidState             ErrorCode = "INVALID_STATE"
	ErrCodeEngineUnavailable        ErrorCode = "ENGINE_UNAVAILABLE"
	ErrCodeInvalidProduceParameters ErrorCode = "INVALID_PRODUCE_PARAMETERS"
	ErrCodeNoActiveProducer         ErrorCode = "NO_ACTIVE_PRODUCER"
	ErrCodeCapabilityMismatch       ErrorCode = "CAPABILITY_MISMATCH"
	ErrCodeAlreadyConnected         ErrorCode = "ALREADY_CONNECTED"
	ErrCodeTransportClosed          ErrorCode = "TRANSPORT_CLOSED"
	ErrCodeNotAuthorized            ErrorCode = "NOT_AUTHORIZED"

	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit      ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal       ErrorCode = "INTERNAL"
)

var httpStatuses = map[ErrorCode]int{
	ErrCodeInvalidState:             http.StatusConflict,
	ErrCodeEngineUnavailable:        http.StatusServiceUnavailable,
	ErrCodeInvalidProduceParameters: http.StatusBadRequest,
	ErrCodeNoActiveProducer:         http.StatusNotFound,
	ErrCodeCapabilityMismatch:       http.StatusUnprocessableEntity,
	ErrCodeAlreadyConnected:         http.StatusConflict,
	ErrCodeTransportClosed:          http.StatusGone,
	ErrCodeNotAuthorized:            http.StatusForbidden,
	ErrCodeInvalidRequest:           http.StatusBadRequest,
	ErrCodeNotFound:                 http.StatusNotFound,
	ErrCodeRateLimit:                http.StatusTooManyRequests,
	ErrCodeInternal:                 http.StatusInternalServerError,
}

// Valid reports whether c belongs to the closed code set.
func (c ErrorCode) Valid() bool {
	_, ok := httpStatuses[c]
	return ok
}

// HTTPStatus returns the status used when the code is surfaced over HTTP.
func (c ErrorCode) HTTPStatus() int {
	if s, ok := httpStatuses[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError by code, so errors.Is(err, New(code, "")) works.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an error of the given code.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: code.HTTPStatus(),
		Context:    make(map[string]interface{}),
	}
}

// Newf is New with formatting.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps err with an application error of the given code.
func Wrap(err error, code ErrorCode, message string) *AppError {
	e := New(code, message)
	e.Cause = err
	return e
}

func NewInvalidState(message string) *AppError {
	return New(ErrCodeInvalidState, message)
}

func NewEngineUnavailable(cause error) *AppError {
	return Wrap(cause, ErrCodeEngineUnavailable, "media engine unavailable")
}

func NewInvalidProduceParameters(cause error) *AppError {
	return Wrap(cause, ErrCodeInvalidProduceParameters, "invalid produce parameters")
}

func NewNoActiveProducer() *AppError {
	return New(ErrCodeNoActiveProducer, "no active producer")
}

func NewCapabilityMismatch(message string) *AppError {
	return New(ErrCodeCapabilityMismatch, message)
}

func NewAlreadyConnected() *AppError {
	return New(ErrCodeAlreadyConnected, "transport already connected")
}

func NewTransportClosed() *AppError {
	return New(ErrCodeTransportClosed, "transport closed")
}

func NewNotAuthorized(message string) *AppError {
	return New(ErrCodeNotAuthorized, message)
}

func NewInvalidRequest(message string) *AppError {
	return New(ErrCodeInvalidRequest, message)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewRateLimitError() *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded")
}

func NewInternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code carried by err, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
