package httpx

import "net/http"

// Error codes shared by every endpoint. The gatekeeper and handlers map
// internal failures onto these so callers see a stable taxonomy.
const (
	CodeValidation   = "validation_error"
	CodeRateLimited  = "rate_limit_exceeded"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInternal     = "internal_error"
)

// ValidationFailed reports every violated rule, not just the first.
func ValidationFailed(w http.ResponseWriter, violations []string) {
	Fail(w, http.StatusBadRequest, CodeValidation, "Request validation failed",
		map[string]interface{}{"errors": violations})
}

func Unauthorized(w http.ResponseWriter, message string) {
	Fail(w, http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func Forbidden(w http.ResponseWriter, message string) {
	Fail(w, http.StatusForbidden, CodeForbidden, message, nil)
}

func NotFound(w http.ResponseWriter, message string) {
	Fail(w, http.StatusNotFound, CodeNotFound, message, nil)
}

func Conflict(w http.ResponseWriter, message string) {
	Fail(w, http.StatusConflict, CodeConflict, message, nil)
}

// Internal hides collaborator detail from the caller; the full error is
// logged server-side by the caller before reaching here.
func Internal(w http.ResponseWriter) {
	Fail(w, http.StatusInternalServerError, CodeInternal, "An internal error occurred", nil)
}
