package domain

import "errors"

// Common domain errors
var (
	ErrInvalidItem   = errors.New("invalid telemetry item")
	ErrConfigInvalid = errors.New("invalid configuration")
	ErrSinkFull      = errors.New("sink queue full")
	ErrSinkClosed    = errors.New("sink closed")
)

// ErrorResponse defines the standard JSON error model returned by the HTTP ingestion API.
// It intentionally avoids exposing internal details while providing a stable machine-readable code.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., INVALID_ITEM, FORWARD_FAILED)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
