package server

import (
	"net/http"
)

// RFC7807Error is the problem+json envelope every error response uses.
type RFC7807Error struct {
	Type      string       `json:"type"`
	Title     string       `json:"title"`
	Detail    string       `json:"detail"`
	Status    int          `json:"status"`
	Instance  string       `json:"instance"`
	RequestID string       `json:"request_id,omitempty"`
	Errors    []FieldError `json:"errors,omitempty"`
}

// FieldError is one validation failure inside a 422 response.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error type URIs and titles per status code.
const (
	errorTypeValidation  = "https://railfair.dev/errors/validation-error"
	errorTypeBadRequest  = "https://railfair.dev/errors/bad-request"
	errorTypeNotFound    = "https://railfair.dev/errors/not-found"
	errorTypeRateLimit   = "https://railfair.dev/errors/rate-limit-exceeded"
	errorTypeForbidden   = "https://railfair.dev/errors/forbidden"
	errorTypeInternal    = "https://railfair.dev/errors/internal-error"
	errorTypeUnavailable = "https://railfair.dev/errors/service-unavailable"
	errorTypeUnknown     = "https://railfair.dev/errors/unknown"
)

func errorTypeAndTitle(status int) (string, string) {
	switch status {
	case http.StatusBadRequest:
		return errorTypeBadRequest, "Bad Request"
	case http.StatusForbidden:
		return errorTypeForbidden, "Forbidden"
	case http.StatusNotFound:
		return errorTypeNotFound, "Not Found"
	case http.StatusUnprocessableEntity:
		return errorTypeValidation, "Unprocessable Entity"
	case http.StatusTooManyRequests:
		return errorTypeRateLimit, "Too Many Requests"
	case http.StatusInternalServerError:
		return errorTypeInternal, "Internal Server Error"
	case http.StatusServiceUnavailable:
		return errorTypeUnavailable, "Service Unavailable"
	default:
		return errorTypeUnknown, http.StatusText(status)
	}
}
