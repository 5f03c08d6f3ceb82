// Package errors defines the error taxonomy shared by the Copilot authentication core,
// the credential stores and the management API. Every error carries a stable code and
// the HTTP status the management API answers with.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Stable error codes.
const (
	CodeNetwork        = "network_error"
	CodeProtocol       = "protocol_error"
	CodeFlowExpired    = "flow_expired"
	CodeUserDenied     = "user_denied"
	CodeFlowFailed     = "flow_failed"
	CodeInvalidState   = "invalid_state"
	CodeFlowInProgress = "flow_in_progress"
	CodeFlowCancelled  = "flow_cancelled"
	CodeInvalidConfig  = "invalid_config"
	CodeNotFound       = "not_found"
	CodeStorage        = "storage_error"
	CodeInternal       = "internal_error"
)

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is an internal error code string.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

// Sentinels for errors.Is. Matching is by Code, so any AppError built from a sentinel
// with Wrap or Wrapf matches it.
var (
	ErrNetwork               = New(http.StatusBadGateway, CodeNetwork, "network error", nil)
	ErrProtocol              = New(http.StatusBadGateway, CodeProtocol, "malformed response from authorization server", nil)
	ErrFlowExpired           = New(http.StatusGone, CodeFlowExpired, "device code expired", nil)
	ErrUserDenied            = New(http.StatusForbidden, CodeUserDenied, "access denied by user", nil)
	ErrFlowFailed            = New(http.StatusBadGateway, CodeFlowFailed, "device flow failed", nil)
	ErrInvalidState          = New(http.StatusConflict, CodeInvalidState, "invalid flow state", nil)
	ErrFlowAlreadyInProgress = New(http.StatusConflict, CodeFlowInProgress, "authentication already in progress", nil)
	ErrFlowCancelled         = New(http.StatusConflict, CodeFlowCancelled, "authentication cancelled", nil)
	ErrInvalidConfig         = New(http.StatusBadRequest, CodeInvalidConfig, "invalid configuration", nil)
	ErrNotFound              = New(http.StatusNotFound, CodeNotFound, "not found", nil)
	ErrStorage               = New(http.StatusInternalServerError, CodeStorage, "storage error", nil)
)

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok || t == nil || e == nil {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// Wrap builds an error of the same kind as kind with a new message and cause.
func Wrap(kind *AppError, message string, err error) *AppError {
	return New(kind.HTTPStatusCode, kind.Code, message, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind *AppError, err error, format string, args ...any) *AppError {
	return Wrap(kind, fmt.Sprintf(format, args...), err)
}

// From returns the first AppError in err's chain, or an internal error wrapping err.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return New(http.StatusInternalServerError, CodeInternal, "internal error", err)
}

// CodeOf returns the code of the first AppError in err's chain, or "" when there is none.
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
