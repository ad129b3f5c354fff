package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors returned by the forwarder.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses from upstream.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses from upstream.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents DNS, TLS, connect and reset errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassTimeout represents requests that ran out of time.
	ErrorClassTimeout ErrorClass = "timeout"
)

// UpstreamError represents a failure talking to the upstream origin.
// StatusCode is 0 for transport errors, where there is no upstream status to relay.
type UpstreamError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether the error happened before any upstream status
// was received.
func (e *UpstreamError) IsTransport() bool {
	return e.ErrorClass == ErrorClassNetwork || e.ErrorClass == ErrorClassTimeout
}

// ClassifyStatus categorizes an upstream status for observability.
// Returns "" for statuses below 400.
func ClassifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyTransportError separates timeouts from other connection failures.
func classifyTransportError(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassNetwork
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassNetwork:
		// Connection never produced a response, safe to retry for safe methods
		return true
	case ErrorClassTimeout:
		// Already spent the whole timeout budget
		return false
	case ErrorClassClient, ErrorClassServer:
		// Upstream statuses are relayed verbatim, never retried
		return false
	default:
		return false
	}
}
