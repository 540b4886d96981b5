package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error classes. Every error crossing a component boundary wraps one of these
// so the task orchestrator can decide between retry and terminal failure.
var (
	ErrTransient   = errors.New("transient external error")
	ErrAuthExpired = errors.New("auth expired")
	ErrMalformed   = errors.New("malformed response")
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation error")
)

// Transient wraps err as a retryable external failure.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// AuthExpired wraps err as a credentials failure.
func AuthExpired(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrAuthExpired, err)
}

// Malformed wraps err as an unparseable response.
func Malformed(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrMalformed, err)
}

// NotFound reports a missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Invalid reports a bad payload or argument.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// statusError keeps the HTTP status behind a classified error.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d %s", e.code, http.StatusText(e.code))
}

// StatusError maps a non-2xx HTTP status to the error taxonomy.
func StatusError(op string, code int) error {
	se := &statusError{code: code}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return AuthExpired(op, se)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, se)
	case retryableStatus(code):
		return Transient(op, se)
	case code >= 400 && code < 500:
		return fmt.Errorf("%s: %w: %w", op, ErrValidation, se)
	default:
		return Transient(op, se)
	}
}

// HTTPStatus returns the status code carried by err, or 0.
func HTTPStatus(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}

// retryableStatus covers rate limiting and upstream outages.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsTransient reports whether err is a network failure, a timeout, a
// retryable status or explicitly marked transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if retryableStatus(HTTPStatus(err)) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// net.Error includes OpError, so check after OpError
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	if err == nil || IsTransient(err) {
		return false
	}
	return errors.Is(err, ErrAuthExpired) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, context.Canceled)
}

// IsRetryable reports whether a task failing with err is worth another
// attempt. Unclassified errors are retried; the attempt budget bounds them.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return IsTransient(err) || !IsTerminal(err)
}
