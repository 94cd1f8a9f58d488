/**
 * @description
 * This file defines the error types surfaced by the QPay client. Callers need
 * to distinguish authentication failures, gateway rejections, and timeouts,
 * because each carries a different retry policy.
 */
package qpay

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// AuthError indicates the gateway rejected our client credentials or bearer
// token. The gateway's error body is carried verbatim.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("qpay authentication failed (status %d): %s", e.Status, e.Body)
}

// RequestError indicates a non-2xx response on an authenticated call. A 4xx
// here is not retryable; the body is preserved for diagnostics.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("qpay request failed (status %d): %s", e.Status, e.Body)
}

// TimeoutError indicates the HTTP call hit the client's deadline or a
// network-level timeout. Usually transient; callers may retry.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("qpay %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
