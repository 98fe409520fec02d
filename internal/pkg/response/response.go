// Package response renders the uniform API envelopes. Success bodies are
// {code, message, data} and error bodies are {code, message, errors}, where
// errors carries the machine-readable kind string or a field->message map
// for validation failures.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	infraerrors "github.com/hookrelay/hookrelay/internal/pkg/errors"
)

const (
	generalExceptionMessage = "An unexpected error occurred"
	retryAfterSeconds       = "5"
)

type SuccessBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Errors  any    `json:"errors"`
}

// statusReasons maps HTTP statuses to the kind strings surfaced in the
// errors field when an error carries no reason of its own.
var statusReasons = map[int]string{
	http.StatusBadRequest:          "bad-request",
	http.StatusUnauthorized:        "unauthorized-request",
	http.StatusForbidden:           "forbid-request",
	http.StatusNotFound:            "resource-not-found",
	http.StatusConflict:            "duplicate-entity",
	http.StatusUnprocessableEntity: "integrity-error",
	http.StatusTooManyRequests:     "rate-limited",
	http.StatusInternalServerError: "server-error",
	http.StatusServiceUnavailable:  "service-unavailable",
}

func Success(c *gin.Context, message string, data any) {
	writeSuccess(c, http.StatusOK, message, data)
}

func Created(c *gin.Context, message string, data any) {
	writeSuccess(c, http.StatusCreated, message, data)
}

func writeSuccess(c *gin.Context, status int, message string, data any) {
	if data == nil {
		data = []any{}
	}
	c.JSON(status, SuccessBody{Code: status, Message: message, Data: data})
}

// ErrorFrom renders err as an error envelope. ApplicationErrors keep their
// status, reason, and message; anything else becomes a 500 with a generic
// message and the raw error text in the errors field.
func ErrorFrom(c *gin.Context, err error) {
	app := infraerrors.FromError(err)
	if app == nil {
		InternalError(c, generalExceptionMessage)
		return
	}

	if app.Code == infraerrors.UnknownCode && app.Reason == infraerrors.UnknownReason {
		write(c, http.StatusInternalServerError, generalExceptionMessage, app.Message)
		return
	}

	if app.Code == http.StatusTooManyRequests {
		retryAfter := app.Metadata["retry_after"]
		if retryAfter == "" {
			retryAfter = retryAfterSeconds
		}
		c.Header("Retry-After", retryAfter)
	}

	reason := app.Reason
	if reason == "" {
		reason = statusReasons[app.Code]
	}
	write(c, app.Code, app.Message, reason)
}

func Error(c *gin.Context, status int, message string) {
	write(c, status, message, statusReasons[status])
}

// ErrorWithDetails renders an error envelope whose errors field carries
// structured details, e.g. a field->message map from request validation.
func ErrorWithDetails(c *gin.Context, status int, message string, details any) {
	write(c, status, message, details)
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, message)
}

func TooManyRequests(c *gin.Context, message string) {
	c.Header("Retry-After", retryAfterSeconds)
	Error(c, http.StatusTooManyRequests, message)
}

func write(c *gin.Context, status int, message string, errs any) {
	if errs == nil || errs == "" {
		errs = []any{}
	}
	c.JSON(status, ErrorBody{Code: status, Message: message, Errors: errs})
	c.Abort()
}
