package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// FailureKind classifies a failed fetch attempt.
type FailureKind string

// Failure kinds. Not-modified responses are successes and have no kind.
const (
	KindRejected  FailureKind = "rejected"
	KindHTTP      FailureKind = "http"
	KindTransport FailureKind = "transport"
)

// FetchError is a structured fetch failure.
type FetchError struct {
	Kind       FailureKind
	StatusCode int
	Timeout    bool
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTP:
		return e.Message
	case KindRejected:
		return "rejected url: " + e.Message
	default:
		if e.Timeout {
			return "timeout: " + e.Message
		}
		return e.Message
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindRejected:
		return false
	case KindHTTP:
		return e.StatusCode >= 500 || e.Timeout
	case KindTransport:
		return true
	default:
		return false
	}
}

// Rejected builds a policy rejection for rawURL.
func Rejected(rawURL, reason string) *FetchError {
	return &FetchError{Kind: KindRejected, Message: fmt.Sprintf("%s (%s)", rawURL, reason)}
}

// HTTPStatusError builds a failure for a non-2xx, non-304 response.
func HTTPStatusError(code int, statusText string) *FetchError {
	if statusText == "" {
		statusText = "Unknown Status"
	}
	return &FetchError{
		Kind:       KindHTTP,
		StatusCode: code,
		Timeout:    code == 408 || code == 504,
		Message:    fmt.Sprintf("HTTP %d: %s", code, statusText),
	}
}

// TransportError wraps a DNS, connection, abort or timeout failure.
func TransportError(err error) *FetchError {
	return &FetchError{
		Kind:    KindTransport,
		Timeout: isTimeout(err),
		Message: err.Error(),
		Err:     err,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// IsRetryable classifies a pipeline failure. Typed fetch errors decide for
// themselves; anything else is retried only when its text indicates a timeout or
// a server-side (5xx) condition.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	text := strings.ToLower(err.Error())
	if strings.Contains(text, "timeout") || strings.Contains(text, "timed out") {
		return true
	}
	return strings.Contains(text, "http 5")
}
