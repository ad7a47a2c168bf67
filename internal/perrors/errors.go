// Package perrors defines the sentinel-error taxonomy used across the
// proxy, modeled on the framework's core/errors.go pattern: package-level
// sentinels compared with errors.Is, a wrapping struct that carries an
// operation name and kind, and classifier helpers that map an error to
// the behavior §7 of the spec requires (HTTP status, retry policy, ...).
package perrors

import (
	"errors"
	"fmt"
)

var (
	// ErrClientRequestMalformed means the inbound body could not be parsed.
	ErrClientRequestMalformed = errors.New("client request malformed")

	// ErrUpstreamError means the upstream API responded with a non-2xx status.
	ErrUpstreamError = errors.New("upstream error")

	// ErrNetworkError means the upstream call failed before a response was read.
	ErrNetworkError = errors.New("network error")

	// ErrCancelled means a checkpoint task observed cancellation.
	ErrCancelled = errors.New("checkpoint cancelled")

	// ErrTooSmall means the conversation is below the upstream's documented
	// minimum size for compaction.
	ErrTooSmall = errors.New("conversation too small to compact")

	// ErrConversationNotFound means a dashboard lookup targeted an unknown key.
	ErrConversationNotFound = errors.New("conversation not found")
)

// ProxyError wraps an underlying error with the operation that failed and
// a machine-checkable kind, following core.FrameworkError.
type ProxyError struct {
	Op      string
	Kind    string
	Status  int // HTTP status, if this error is associated with one
	Message string
	Err     error
}

func (e *ProxyError) Error() string {
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind + " error"
}

func (e *ProxyError) Unwrap() error { return e.Err }

// UpstreamError constructs a ProxyError carrying the upstream's HTTP
// status code, classified as ErrUpstreamError.
func UpstreamError(op string, status int, err error) *ProxyError {
	return &ProxyError{Op: op, Kind: "upstream", Status: status, Err: fmt.Errorf("%w: status %d: %v", ErrUpstreamError, status, err)}
}

// NetworkErrorf constructs a ProxyError classified as ErrNetworkError.
func NetworkErrorf(op string, err error) *ProxyError {
	return &ProxyError{Op: op, Kind: "network", Err: fmt.Errorf("%w: %v", ErrNetworkError, err)}
}

// IsNetworkError reports whether err is (or wraps) ErrNetworkError.
func IsNetworkError(err error) bool { return errors.Is(err, ErrNetworkError) }

// IsUpstreamError reports whether err is (or wraps) ErrUpstreamError.
func IsUpstreamError(err error) bool { return errors.Is(err, ErrUpstreamError) }

// IsCancelled reports whether err is (or wraps) ErrCancelled.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsTooSmall reports whether err is (or wraps) ErrTooSmall.
func IsTooSmall(err error) bool { return errors.Is(err, ErrTooSmall) }

// UpstreamStatus extracts the HTTP status code carried by an upstream
// ProxyError, or 0 if err does not carry one.
func UpstreamStatus(err error) int {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}
