package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application error with an HTTP status code.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("code=%d, message=%s", e.Code, e.Message)
}

// Common errors
var (
	ErrNotFound       = &AppError{Code: http.StatusNotFound, Message: "Resource not found"}
	ErrBadRequest     = &AppError{Code: http.StatusBadRequest, Message: "Bad request"}
	ErrConflict       = &AppError{Code: http.StatusConflict, Message: "Conflict"}
	ErrInternalServer = &AppError{Code: http.StatusInternalServerError, Message: "Internal server error"}
)

// New creates a new AppError.
func New(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// WithDetails adds details to an error.
func WithDetails(err *AppError, details string) *AppError {
	return &AppError{
		Code:    err.Code,
		Message: err.Message,
		Details: details,
	}
}

// GetStatusCode returns the HTTP status code from an error.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	var vErr *RuleValidationError
	if errors.As(err, &vErr) {
		return http.StatusBadRequest
	}
	var cErr *DuplicateRuleConflict
	if errors.As(err, &cErr) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// RuleValidationError reports a malformed rule at save time. Rules that
// fail validation are rejected synchronously and never persisted.
type RuleValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *RuleValidationError) Error() string {
	return fmt.Sprintf("rule validation failed: %s: %s", e.Field, e.Message)
}

// NewRuleValidationError creates a validation error for a single field.
func NewRuleValidationError(field, message string) *RuleValidationError {
	return &RuleValidationError{Field: field, Message: message}
}

// DuplicateRuleConflict reports an enabled rule already covering the same
// (tenant, physical sign, event type, level) match key.
type DuplicateRuleConflict struct {
	TenantID     string `json:"tenant_id"`
	PhysicalSign string `json:"physical_sign"`
	EventType    string `json:"event_type"`
	Level        string `json:"level"`
}

func (e *DuplicateRuleConflict) Error() string {
	return fmt.Sprintf("an enabled rule already exists for tenant=%s sign=%s event=%s level=%s",
		e.TenantID, e.PhysicalSign, e.EventType, e.Level)
}

// SchedulerPersistenceFailure means the durable timer store could not
// record a timer. Auto-processing for the affected instance falls back to
// manual handling.
type SchedulerPersistenceFailure struct {
	InstanceID string
	Err        error
}

func (e *SchedulerPersistenceFailure) Error() string {
	return fmt.Sprintf("failed to persist timer for instance %s: %v", e.InstanceID, e.Err)
}

func (e *SchedulerPersistenceFailure) Unwrap() error { return e.Err }

// ActionExecutionFailure means a downstream collaborator rejected the
// configured auto-action after retries were exhausted.
type ActionExecutionFailure struct {
	InstanceID string
	Action     string
	Err        error
}

func (e *ActionExecutionFailure) Error() string {
	return fmt.Sprintf("action %s failed for instance %s: %v", e.Action, e.InstanceID, e.Err)
}

func (e *ActionExecutionFailure) Unwrap() error { return e.Err }

// AggregationError reports a statistics recomputation failure. Non-fatal;
// the next cycle retries from the log.
type AggregationError struct {
	Stage string
	Err   error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("statistics aggregation failed at %s: %v", e.Stage, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }
