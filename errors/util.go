package errors

import (
	"context"
	stderr "errors"
	"fmt"
	"os"
)

// normalize turns a well-known Go error into a protocol Client error. If
// cause is true, err came from context.Cause and an already-protocol error
// found there is returned unwrapped rather than re-classified.
func normalize(err error, msg string, cause bool) error {
	if e, ok := err.(*Client); ok {
		return e
	}

	switch {
	case err == nil:
		return nil

	case os.IsTimeout(err), stderr.Is(err, context.DeadlineExceeded):
		return &Client{Base: Base{
			Message: fmt.Sprintf("%s timed out", msg),
			Kind:    Timeout{},
		}}

	case stderr.Is(err, context.Canceled):
		return &Client{Base: Base{
			Message: fmt.Sprintf("%s cancelled", msg),
			Kind:    Cancelled{},
		}}

	default:
		if cause {
			return err
		}
		return &Client{Base: Base{
			Message:     fmt.Sprintf("%s error: %s", msg, err.Error()),
			Kind:        UnknownError{},
			NestedError: err,
		}}
	}
}

// Normalize converts any error into a protocol Client error, classifying
// well-known sentinel errors (timeouts, cancellations) along the way.
func Normalize(err error, msg string) error {
	return normalize(err, msg, false)
}

// Context extracts the timeout or cancellation error from a context,
// preferring context.Cause so an already-typed protocol error set as the
// cause is returned unwrapped.
func Context(ctx context.Context, msg string) error {
	return normalize(context.Cause(ctx), msg, true)
}
