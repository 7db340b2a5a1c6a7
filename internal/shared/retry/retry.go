// Package retry provides a bounded-attempt retry wrapper for transient I/O.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// permanentError marks an error as not worth retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do gives up immediately instead of retrying.
// A "resource not found" condition is the canonical example: it signals
// that upstream data does not exist, not that the attempt was unlucky.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do invokes fn up to maxAttempts times, sleeping delay between attempts.
// It stops early when fn succeeds, returns a permanent error, or ctx is
// canceled. The returned error is the last attempt's error, unwrapped from
// its permanent marker if present.
func Do(ctx context.Context, maxAttempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return pe.err
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}
