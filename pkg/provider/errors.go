package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientError marks a failure worth retrying: rate limits, network
// flakes, upstream 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("provider: transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: bad parameters,
// invalid credentials, unknown datasets.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("provider: permanent: %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable provider failure.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Permanent wraps err as a non-retryable provider failure.
func Permanent(op string, err error) error {
	return &PermanentError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried. Context cancellation
// is never retried. Untyped network errors are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
