package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Stable error codes surfaced by the backend.
const (
	// CodeUniqueViolation is the backend's unique-constraint signal
	// (Postgres 23505), returned when an insert collides on a natural
	// key such as a member email.
	CodeUniqueViolation = "23505"
)

// APIError is a structured error returned by the backend.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int
	// Code is the backend's stable error code, when present.
	Code string
	// Message is the backend's human-readable description.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error %d (code %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend error %d: %s", e.StatusCode, e.Message)
}

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// IsUniqueViolation reports whether err is a unique-constraint
// collision. These are retryable-with-remediation: the sync manager
// heals them by re-pointing the local record at the pre-existing
// server record.
func IsUniqueViolation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeUniqueViolation
}

// IsRetryable reports whether err is transient: network failures,
// timeouts, server errors and rate limiting. Retryable errors halt
// the drain pass and are retried on the next trigger; everything
// else is fatal for the mutation that produced it.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}

	// url.Error and friends wrap the transport failure; anything that
	// never produced an HTTP response is network-shaped.
	return true
}
