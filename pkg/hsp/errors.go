package hsp

import (
	"fmt"
	"time"
)

// Kind partitions upstream failures into the retry taxonomy. Auth,
// validation and protocol failures are terminal for the request; rate
// limit and transient failures are retryable.
type Kind int

const (
	KindAuth Kind = iota
	KindValidation
	KindRateLimit
	KindTransient
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a classified upstream failure.
type Error struct {
	Kind       Kind
	StatusCode int
	// RetryAfter is the server-advertised wait for rate-limit responses,
	// zero when absent.
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("hsp: %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("hsp: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry loop may attempt the request again.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindTransient
}

// classifyStatus maps an HTTP status code onto the error taxonomy.
func classifyStatus(status int, message string) *Error {
	switch {
	case status == 401 || status == 403:
		return &Error{Kind: KindAuth, StatusCode: status, Message: message}
	case status == 400:
		return &Error{Kind: KindValidation, StatusCode: status, Message: message}
	case status == 429:
		return &Error{Kind: KindRateLimit, StatusCode: status, Message: message}
	case status >= 500:
		return &Error{Kind: KindTransient, StatusCode: status, Message: message}
	default:
		return &Error{Kind: KindProtocol, StatusCode: status, Message: message}
	}
}
