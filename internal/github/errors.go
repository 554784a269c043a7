package github

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrCircuitOpen is returned when the breaker for an operation is open and
// the call was rejected without touching the network.
var ErrCircuitOpen = errors.New("github: circuit open")

// APIError is a non-2xx response from the upstream API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %s: status %d", e.Op, e.StatusCode)
}

// Transient reports whether the failure is worth retrying. Server-side
// errors are transient; authorization and validation failures are not.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500
}

// isTransient classifies an error for the retry loop. Timeouts, temporary
// network failures and 5xx responses retry; everything else is permanent.
func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
