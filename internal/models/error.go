// Package models holds the JSON shapes exchanged with dashboard clients.
package models

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeAgentNotFound     = "AGENT_NOT_FOUND"
	ErrCodeUnsupportedAction = "UNSUPPORTED_ACTION"
	ErrCodeInvalidCron       = "INVALID_CRON_EXPRESSION"
	ErrCodeInvalidCategory   = "INVALID_CATEGORY"
	ErrCodeUpstreamFailed    = "UPSTREAM_FAILED"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
)
