package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAccessDenied indicates the credential was rejected or lacks permission.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound indicates the container or object does not exist.
	ErrNotFound = errors.New("not found")
)

// TransportError wraps network and service failures that may succeed on retry.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ListError reports which page of a listing failed.
type ListError struct {
	Page int
	Err  error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("listing page %d: %v", e.Page, e.Err)
}

func (e *ListError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth another attempt. Permission and
// existence failures are final, as is caller cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// StatusError maps an HTTP status code onto the package's error kinds.
func StatusError(op string, status int, err error) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%s: %w: %v", op, ErrAccessDenied, err)
	case status == 404:
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	default:
		return &TransportError{Op: op, StatusCode: status, Err: err}
	}
}
