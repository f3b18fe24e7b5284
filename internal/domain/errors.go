package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoData is returned when a provider yields no rows where one was expected.
	ErrNoData = errors.New("no data returned")
	// ErrMetricNotFound is returned by repositories for unknown metric ids.
	ErrMetricNotFound = errors.New("metric not found")
	// ErrOrganizationNotFound is returned by repositories for unknown organization ids.
	ErrOrganizationNotFound = errors.New("organization not found")
)

// UserFixableError marks a failure the metric owner can repair by
// reconfiguring or re-authorizing. It is never retried.
type UserFixableError struct {
	Message string
	Cause   error
}

func (e *UserFixableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *UserFixableError) Unwrap() error { return e.Cause }

// UserFixable creates a new user-fixable error.
func UserFixable(format string, args ...any) *UserFixableError {
	return &UserFixableError{Message: fmt.Sprintf(format, args...)}
}

// TransientError marks a failure worth retrying regardless of its cause,
// e.g. an open circuit breaker in front of a provider.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) *TransientError {
	return &TransientError{Err: err}
}

// HTTPError carries a provider's non-2xx response. The body is kept so the
// error router can surface the provider's own message to the user.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// JSONBody decodes the response body as JSON, returning nil when the body is
// absent or not JSON.
func (e *HTTPError) JSONBody() map[string]any {
	if len(e.Body) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(e.Body, &m); err != nil {
		return nil
	}
	return m
}

// userFixableStatuses are provider statuses the metric owner can act on:
// bad request, missing/invalid/insufficient credentials, payment, rate limit.
var userFixableStatuses = map[int]bool{
	http.StatusBadRequest:      true,
	http.StatusUnauthorized:    true,
	http.StatusPaymentRequired: true,
	http.StatusForbidden:       true,
	http.StatusTooManyRequests: true,
}

// IsUserFixable reports whether err should be routed to the metric owner.
func IsUserFixable(err error) bool {
	var ufe *UserFixableError
	if errors.As(err, &ufe) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return userFixableStatuses[he.StatusCode]
	}
	return false
}

// IsTransient reports whether err is worth retrying: network failures,
// provider 5xx and rate limiting.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500 || he.StatusCode == http.StatusTooManyRequests
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// IsRateLimited reports whether err is a provider 429.
func IsRateLimited(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusTooManyRequests
}
