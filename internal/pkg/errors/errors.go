// Package errors defines the application error type shared by services and
// the HTTP surface. An ApplicationError carries an HTTP status code, a
// machine-readable reason string, and a human-readable message; helpers
// extract those from any error chain.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// UnknownCode is the status assigned to errors raised outside this package.
	UnknownCode = http.StatusInternalServerError
	// UnknownReason is the reason assigned to errors raised outside this package.
	UnknownReason = ""
)

type ApplicationError struct {
	Code     int               `json:"code"`
	Reason   string            `json:"reason"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`

	cause error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("error: code = %d reason = %s message = %s metadata = %v cause = %v",
		e.Code, e.Reason, e.Message, e.Metadata, e.cause)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *ApplicationError) Unwrap() error { return e.cause }

// Is matches on code and reason so sentinel errors compare equal to their
// WithCause / WithMetadata derivatives.
func (e *ApplicationError) Is(err error) bool {
	if target := new(ApplicationError); errors.As(err, &target) {
		return target.Code == e.Code && target.Reason == e.Reason
	}
	return false
}

func (e *ApplicationError) WithCause(cause error) *ApplicationError {
	err := Clone(e)
	err.cause = cause
	return err
}

func (e *ApplicationError) WithMetadata(md map[string]string) *ApplicationError {
	err := Clone(e)
	err.Metadata = md
	return err
}

func New(code int, reason, message string) *ApplicationError {
	return &ApplicationError{Code: code, Reason: reason, Message: message}
}

func Newf(code int, reason, format string, args ...any) *ApplicationError {
	return New(code, reason, fmt.Sprintf(format, args...))
}

func Clone(err *ApplicationError) *ApplicationError {
	if err == nil {
		return nil
	}
	metadata := make(map[string]string, len(err.Metadata))
	for k, v := range err.Metadata {
		metadata[k] = v
	}
	return &ApplicationError{
		Code:     err.Code,
		Reason:   err.Reason,
		Message:  err.Message,
		Metadata: metadata,
		cause:    err.cause,
	}
}

// Code returns the HTTP status carried by err, 200 for nil, and
// UnknownCode for errors that are not ApplicationErrors.
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return FromError(err).Code
}

// Reason returns the reason string carried by err, or UnknownReason.
func Reason(err error) string {
	if err == nil {
		return UnknownReason
	}
	return FromError(err).Reason
}

// FromError walks the chain for an ApplicationError and wraps anything else
// as an internal error with UnknownReason.
func FromError(err error) *ApplicationError {
	if err == nil {
		return nil
	}
	if ae := new(ApplicationError); errors.As(err, &ae) {
		return ae
	}
	return New(UnknownCode, UnknownReason, err.Error())
}

func BadRequest(reason, message string) *ApplicationError {
	return New(http.StatusBadRequest, reason, message)
}

func Unauthorized(reason, message string) *ApplicationError {
	return New(http.StatusUnauthorized, reason, message)
}

func Forbidden(reason, message string) *ApplicationError {
	return New(http.StatusForbidden, reason, message)
}

func NotFound(reason, message string) *ApplicationError {
	return New(http.StatusNotFound, reason, message)
}

func Conflict(reason, message string) *ApplicationError {
	return New(http.StatusConflict, reason, message)
}

func UnprocessableEntity(reason, message string) *ApplicationError {
	return New(http.StatusUnprocessableEntity, reason, message)
}

func TooManyRequests(reason, message string) *ApplicationError {
	return New(http.StatusTooManyRequests, reason, message)
}

func InternalServer(reason, message string) *ApplicationError {
	return New(http.StatusInternalServerError, reason, message)
}

func ServiceUnavailable(reason, message string) *ApplicationError {
	return New(http.StatusServiceUnavailable, reason, message)
}
