package linkedin

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx answer from the gateway. Classification:
// 429 means the platform's own rate limit fired, other 4xx are permanent
// (bad recipient, revoked auth, rejected content), 5xx are transient.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("linkedin: api error %d: %s", e.StatusCode, e.Message)
}

// TransportError wraps network-level failures and context deadlines.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "linkedin: transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

func IsPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests &&
		apiErr.StatusCode != http.StatusRequestTimeout
}

// IsTransient reports whether the call is worth retrying: network errors,
// timeouts and 5xx responses.
func IsTransient(err error) bool {
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusRequestTimeout
	}
	return false
}
