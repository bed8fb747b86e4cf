package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Request-engine error codes.
const (
	ErrConfiguration    = "CONFIGURATION_ERROR"
	ErrAuthResolution   = "AUTH_RESOLUTION_ERROR"
	ErrUploadTimeout    = "UPLOAD_TIMEOUT"
	ErrUploadFailed     = "UPLOAD_FAILED"
	ErrRequestArchived  = "REQUEST_ARCHIVED"
	ErrActionNotPending = "ACTION_NOT_PENDING"
)

// ErrorEnvelope is the body of every API error response.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"traceId,omitempty"`
}

func (e *ErrorEnvelope) Error() string {
	return e.Code + ": " + e.Message
}

var httpStatus = map[string]int{
	ErrBadRequest:        http.StatusBadRequest,
	ErrUnauthorized:      http.StatusUnauthorized,
	ErrForbidden:         http.StatusForbidden,
	ErrAuthResolution:    http.StatusForbidden,
	ErrNotFound:          http.StatusNotFound,
	ErrConflict:          http.StatusConflict,
	ErrRequestArchived:   http.StatusConflict,
	ErrActionNotPending:  http.StatusConflict,
	ErrValidationError:   http.StatusUnprocessableEntity,
	ErrInvalidTransition: http.StatusUnprocessableEntity,
	ErrUploadFailed:      http.StatusBadGateway,
	ErrUploadTimeout:     http.StatusGatewayTimeout,
}

// HTTPStatus is the response status for the envelope's code. Unknown codes,
// INTERNAL_ERROR and CONFIGURATION_ERROR answer 500.
func (e *ErrorEnvelope) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// FieldError names one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func envelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

func envelopef(code, format string, args ...any) *ErrorEnvelope {
	return envelope(code, fmt.Sprintf(format, args...))
}

func NewBadRequestError(msg string) *ErrorEnvelope { return envelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return envelope(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope { return envelope(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope { return envelope(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope { return envelope(ErrConflict, msg) }

// NewConfigurationError reports a missing or unusable workflow definition.
func NewConfigurationError(msg string) *ErrorEnvelope { return envelope(ErrConfiguration, msg) }

// NewAuthResolutionError reports that the directory could not place the
// caller or an approver.
func NewAuthResolutionError(msg string) *ErrorEnvelope { return envelope(ErrAuthResolution, msg) }

// NewValidationError carries one entry per rejected field.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	env := envelope(ErrValidationError, "One or more fields are invalid")
	env.Details = details
	return env
}

// NewFieldError is shorthand for a single-field VALIDATION_ERROR.
func NewFieldError(field, code, msg string) *ErrorEnvelope {
	return NewValidationError([]FieldError{{Field: field, Code: code, Message: msg}})
}

// NewInternalError hides the cause from the caller; log it before returning.
func NewInternalError() *ErrorEnvelope {
	return envelope(ErrInternalError, "An unexpected error occurred")
}

func NewInvalidTransitionError(from, to string) *ErrorEnvelope {
	return envelopef(ErrInvalidTransition, "cannot move from %q to %q", from, to)
}

func NewUploadTimeoutError(fileName string) *ErrorEnvelope {
	return envelopef(ErrUploadTimeout, "upload of %q timed out", fileName)
}

func NewUploadFailedError(fileName string) *ErrorEnvelope {
	return envelopef(ErrUploadFailed, "upload of %q failed", fileName)
}

func NewRequestArchivedError(requestID string) *ErrorEnvelope {
	return envelopef(ErrRequestArchived, "request %s is archived", requestID)
}

// NewActionNotPendingError reports a response from someone who has no open
// action at the request's current stage.
func NewActionNotPendingError(userID, stage string) *ErrorEnvelope {
	return envelopef(ErrActionNotPending, "no pending action for user %q at stage %q", userID, stage)
}

// IsCode reports whether err wraps an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var env *ErrorEnvelope
	return errors.As(err, &env) && env.Code == code
}
