package apperr

import (
	"errors"
	"net/http"
	"time"
)

// Code is the machine-readable error code sent to clients.
type Code string

const (
	CodeValidation       Code = "validation_error"
	CodeInvalidSession   Code = "invalid_session"
	CodeNameTaken        Code = "name_taken"
	CodeRateLimited      Code = "rate_limited"
	CodePayloadTooLarge  Code = "payload_too_large"
	CodeTransportFailure Code = "transport_failure"
	CodeNotFound         Code = "not_found"
	CodeNotJoined        Code = "not_joined"
	CodeAlreadyJoined    Code = "already_joined"
	CodeInternal         Code = "internal"
)

// HTTPStatus maps a code to the status the control plane answers with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeNotJoined, CodeAlreadyJoined:
		return http.StatusBadRequest
	case CodeInvalidSession:
		return http.StatusUnauthorized
	case CodeNameTaken:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTransportFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the domain error shared by every layer.
type Error struct {
	Code    Code
	Message string // safe to show to clients
	Cause   error

	// RetryAfter is set on rate limiting errors.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is checks; they match any *Error with the same code.
var (
	ErrValidation      = New(CodeValidation, "invalid payload")
	ErrInvalidSession  = New(CodeInvalidSession, "invalid session")
	ErrNameTaken       = New(CodeNameTaken, "username already taken")
	ErrRateLimited     = New(CodeRateLimited, "rate limit exceeded")
	ErrPayloadTooLarge = New(CodePayloadTooLarge, "payload too large")
	ErrNotFound        = New(CodeNotFound, "not found")
	ErrNotJoined       = New(CodeNotJoined, "join before sending messages")
	ErrAlreadyJoined   = New(CodeAlreadyJoined, "connection already joined")
)

// CodeOf extracts the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the client-facing message; causes stay in the logs.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
