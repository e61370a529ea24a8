// Package resilience classifies remote-call failures and wraps them with
// retry and circuit-breaker protection, adapted from the teacher's
// internal/errors transient/permanent/degraded taxonomy and reapplied to
// this system's outbound attachment fetches.
package resilience

import (
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// DegradedError marks a call rejected by an open circuit breaker rather
// than attempted and failed.
type DegradedError struct {
	Err     error
	Message string
}

func (e *DegradedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DegradedError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: a network-level
// failure or a 429/5xx HTTP status.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if isNetworkError(err) {
		return true
	}
	if statusCode := extractHTTPStatusCode(err); statusCode > 0 {
		return isTransientHTTPStatus(statusCode)
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "timeout", "deadline exceeded", "connection reset", "broken pipe"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

var httpStatusPattern = regexp.MustCompile(`\b([1-5]\d{2})\b`)

// extractHTTPStatusCode recovers a status code from a wrapped HTTP error
// message of the form "... returned 503 Service Unavailable", matching how
// coordinatorapp's httpFetcher formats fetch failures.
func extractHTTPStatusCode(err error) int {
	match := httpStatusPattern.FindStringSubmatch(err.Error())
	if match == nil {
		return 0
	}
	code, convErr := strconv.Atoi(match[1])
	if convErr != nil {
		return 0
	}
	return code
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
