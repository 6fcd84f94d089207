package common

import (
	"errors"
	"net/http"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// WithDetails attaches details rendered in the error body.
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// WriteError renders err with the canonical error shape. AppErrors keep their
// code and status; anything else becomes a 500.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
