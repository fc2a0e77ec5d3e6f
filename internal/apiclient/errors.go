package apiclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TransportError means no response was received at all.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a non-2xx response that is not a rate limit.
type APIError struct {
	StatusCode     int
	Message        string
	QuotaRemaining int
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// RateLimitedError asks the caller to wait RetryAfter before sending the
// same request again. RetryAfter is zero when the server gave no hint.
type RateLimitedError struct {
	StatusCode     int
	RetryAfter     time.Duration
	QuotaRemaining int
	Message        string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d), retry after %s", e.StatusCode, e.RetryAfter)
}

// IsRateLimited reports whether err carries a rate-limit rejection and, if so,
// the server-indicated wait.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// StatusCode extracts the HTTP status from an API or rate-limit error, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.StatusCode
	}
	return 0
}
