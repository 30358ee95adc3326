package syncerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra detail.
var (
	ErrNoNetwork              = errors.New("no network connection available")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrServerUnavailable      = errors.New("server is currently unavailable")
	ErrQuotaExceeded          = errors.New("sync quota exceeded")
	ErrCancelled              = errors.New("sync operation was cancelled")
)

// NetworkKind classifies a network failure.
type NetworkKind string

const (
	NetworkUnreachable    NetworkKind = "unreachable"
	NetworkTimeout        NetworkKind = "timeout"
	NetworkConnectionLost NetworkKind = "connection_lost"
)

// NetworkError is a transport-level failure. Always retryable.
type NetworkError struct {
	Kind NetworkKind
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("network error (%s)", e.Kind)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is an HTTP-status-coded failure from the remote API.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// ConflictError reports an unresolvable data conflict.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("data conflict: %s", e.Detail)
}

// InvalidDataError reports a validation failure. Never retryable.
type InvalidDataError struct {
	Detail string
}

func (e *InvalidDataError) Error() string {
	return fmt.Sprintf("invalid data: %s", e.Detail)
}

// UnknownError wraps a failure that fits no other category. Never
// retryable.
type UnknownError struct {
	Err error
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown sync error: %v", e.Err)
}

func (e *UnknownError) Unwrap() error { return e.Err }

// Retryable reports whether err is worth retrying: transport failures
// and server errors with status >= 500 or 429 (rate limiting). Auth,
// validation and other 4xx responses are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return srvErr.StatusCode >= 500 || srvErr.StatusCode == 429
	}

	if errors.Is(err, ErrNoNetwork) || errors.Is(err, ErrServerUnavailable) {
		return true
	}

	return false
}
