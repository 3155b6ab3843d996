package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"eidos-hq/speechgate/pkg/limits"
)

// Error codes that are not admission reasons.
const (
	CodeBadRequest    = "bad_request"
	CodeUnauthorized  = "unauthorized"
	CodeForbidden     = "forbidden"
	CodeInternalError = "internal_error"
	CodeNotFound      = "not_found"
)

// ErrorBody is the JSON envelope of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Code              string         `json:"code"`
	Message           string         `json:"message"`
	RetryAfterSeconds *int           `json:"retry_after_seconds,omitempty"`
	RequestID         string         `json:"request_id,omitempty"`
	Detail            map[string]any `json:"detail,omitempty"`
}

// StatusFor maps an admission or dispatch reason to an HTTP status.
func StatusFor(reason limits.Reason) int {
	switch reason {
	case limits.ReasonTextTooLong:
		return http.StatusUnprocessableEntity
	case limits.ReasonPerMinuteExceeded, limits.ReasonDailyExceeded, limits.ReasonConcurrentRequestInProgress:
		return http.StatusTooManyRequests
	case limits.ReasonServerOverloaded, limits.ReasonUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes a JSON error body with status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		RequestID: GetRequestID(r.Context()),
	}})
}

// WriteRejection writes rej with its mapped status. Every rejection carries
// Retry-After, zero included.
func WriteRejection(w http.ResponseWriter, r *http.Request, rej *limits.Rejection) {
	secs := rej.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, StatusFor(rej.Reason), ErrorBody{Error: ErrorDetail{
		Code:              string(rej.Reason),
		Message:           rej.Message,
		RetryAfterSeconds: &secs,
		RequestID:         GetRequestID(r.Context()),
		Detail:            rej.Detail,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
