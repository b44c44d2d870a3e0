package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
	ErrPayloadTooLarge = "PAYLOAD_TOO_LARGE"
)

// Intake-specific error codes.
const (
	ErrCaseNotFound    = "CASE_NOT_FOUND"
	ErrProfileNotFound = "PROFILE_NOT_FOUND"
	ErrInvalidAnswer   = "INVALID_ANSWER"
)

// ErrorEnvelope is the standard error returned by services and written by the
// HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewCaseNotFoundError returns a CASE_NOT_FOUND error for the given case.
func NewCaseNotFoundError(caseID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCaseNotFound,
		Message: fmt.Sprintf("case %q not found", caseID),
	}
}

// NewProfileNotFoundError returns a PROFILE_NOT_FOUND error for the given client.
func NewProfileNotFoundError(clientID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrProfileNotFound,
		Message: fmt.Sprintf("tax profile for client %q not found", clientID),
	}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewPayloadTooLargeError returns a PAYLOAD_TOO_LARGE error.
func NewPayloadTooLargeError(limit int64) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPayloadTooLarge,
		Message: fmt.Sprintf("request body exceeds %d bytes", limit),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// IsNotFound reports whether err is an ErrorEnvelope describing a missing
// case, profile or other resource.
func IsNotFound(err error) bool {
	var ee *ErrorEnvelope
	if !errors.As(err, &ee) {
		return false
	}
	switch ee.Code {
	case ErrNotFound, ErrCaseNotFound, ErrProfileNotFound:
		return true
	}
	return false
}

// IsConflict reports whether err is a CONFLICT ErrorEnvelope.
func IsConflict(err error) bool {
	return ErrorCode(err) == ErrConflict
}

// ErrorCode returns the envelope code of err, or "" if err is not an
// ErrorEnvelope.
func ErrorCode(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}
