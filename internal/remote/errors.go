package remote

import (
	"context"
	"errors"
	"fmt"
)

// TransientError wraps a failure worth retrying: connection errors,
// timeouts, 5xx and 429 responses. The scheduler's backoff absorbs
// these; they never reach the caller as-is until the retry budget is
// exhausted.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is a server rejection of the request payload. It is
// surfaced immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
	}
	return "validation: " + e.Reason
}

// ErrStale marks a response that arrived after its request was
// cancelled. Callers discard the result silently; it is not a
// user-visible failure.
var ErrStale = errors.New("stale request: cancelled before completion")

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsStale reports whether err is a cancellation, either our sentinel or
// a raw context error from a cancelled request. Deadline expiry is not
// stale: timeouts are transient and retried.
func IsStale(err error) bool {
	return errors.Is(err, ErrStale) || errors.Is(err, context.Canceled)
}
