// Package api provides the evaluator's HTTP surface: the evaluate endpoint,
// health check, and metrics wiring, following the teacher's internal/api
// package shape but stripped of the admin/webhook/audit/SSE machinery the
// core's scope excludes (spec.md: no persisted evaluation history, no
// streaming updates to clients, no flag-definition mutation surface).
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// ErrorCode is a machine-readable API error code.
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeBadRequest   ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidJSON  ErrorCode = "INVALID_JSON"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"
)

// ErrorResponse is the evaluator's structured error body.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Code      ErrorCode         `json:"code"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func newErrorResponse(statusCode int, code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{Error: http.StatusText(statusCode), Message: message, Code: code}
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errResp *ErrorResponse) {
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		errResp.RequestID = requestID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errResp)
}

// ValidationError writes a 400 with field-level detail.
func ValidationError(w http.ResponseWriter, r *http.Request, message string, fields map[string]string) {
	errResp := newErrorResponse(http.StatusBadRequest, ErrCodeValidation, message)
	errResp.Fields = fields
	writeErrorResponse(w, r, http.StatusBadRequest, errResp)
}

// BadRequestError writes a 400 with a single error code.
func BadRequestError(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	writeErrorResponse(w, r, http.StatusBadRequest, newErrorResponse(http.StatusBadRequest, code, message))
}

// UnauthorizedError writes a 401.
func UnauthorizedError(w http.ResponseWriter, r *http.Request, message string) {
	writeErrorResponse(w, r, http.StatusUnauthorized, newErrorResponse(http.StatusUnauthorized, ErrCodeUnauthorized, message))
}

// InternalError writes a 500.
func InternalError(w http.ResponseWriter, r *http.Request, message string) {
	writeErrorResponse(w, r, http.StatusInternalServerError, newErrorResponse(http.StatusInternalServerError, ErrCodeInternal, message))
}
