package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDisabled is returned when the global kill switch is off.
	ErrDisabled = errors.New("dispatch disabled")
	// ErrConfigNotFound means the configuration behind a log entry was deleted.
	ErrConfigNotFound = errors.New("event configuration not found")
	// ErrConfigInactive means the configuration behind a log entry was deactivated.
	ErrConfigInactive = errors.New("event configuration inactive")
	// ErrNotRetryable is returned for entries that are succeeded or mid-attempt.
	ErrNotRetryable = errors.New("delivery is not retryable")
)

// TransportError is a network level failure: refused connection, DNS,
// timeout, TLS.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatusError is a response outside the 2xx range.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// classifyReason buckets a failed attempt for metrics.
func classifyReason(err error) string {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode >= 500:
			return "http_5xx"
		case statusErr.StatusCode == 429:
			return "http_429"
		case statusErr.StatusCode >= 400:
			return "http_4xx"
		default:
			return "http_other"
		}
	}
	if err == nil {
		return "other"
	}
	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"), strings.Contains(errLower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errLower, "connection refused"):
		return "connection_refused"
	case strings.Contains(errLower, "no such host"), strings.Contains(errLower, "dns"):
		return "dns_error"
	case strings.Contains(errLower, "private address"):
		return "blocked"
	}
	return "network"
}
