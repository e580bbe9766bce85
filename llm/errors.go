package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/m4xw311/codexbridge/errors"
)

// ErrorKind categorizes model failures.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication_error"
	KindRateLimit      ErrorKind = "rate_limit_error"
	KindOverloaded     ErrorKind = "overloaded_error"
	KindInvalidRequest ErrorKind = "invalid_request_error"
	KindAPI            ErrorKind = "api_error"
)

// APIError is a classified model failure. A turn that hits one stops and
// reports Kind; it is never retried.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf returns the kind of a classified error, or KindAPI.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindAPI
}

// kindForStatus maps an HTTP status to an error kind.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == 529 || status == http.StatusServiceUnavailable:
		return KindOverloaded
	case status >= 400 && status < 500:
		return KindInvalidRequest
	default:
		return KindAPI
	}
}

func statusError(provider string, status int, err error) *APIError {
	return &APIError{
		Kind:    kindForStatus(status),
		Status:  status,
		Message: fmt.Sprintf("%s request failed: %v", provider, err),
		Err:     err,
	}
}

// transportError classifies failures that carry no provider status.
func transportError(provider string, err error) *APIError {
	msg := fmt.Sprintf("%s request failed: %v", provider, err)
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("%s request timed out", provider)
	}
	return &APIError{Kind: KindAPI, Message: msg, Err: err}
}
