package adapter

import (
	"errors"
	"fmt"
)

// Sentinel errors a Source implementation wraps with fmt.Errorf("%w: ...")
// so callers can classify failures.
var (
	// ErrTransient marks a retryable I/O failure. No reference adapter
	// retries it with backoff: the polling adapters (mssql, oracle) log it
	// and poll again on their next fixed tick, and the mysql adapter
	// returns it wrapped from Start.
	ErrTransient = errors.New("adapter: transient error")

	// ErrFatal marks an authentication or configuration failure that must
	// surface immediately without retry.
	ErrFatal = errors.New("adapter: fatal error")

	// ErrNotRegistered is returned when no factory is registered for a
	// requested adapter type.
	ErrNotRegistered = errors.New("adapter: type not registered")

	// ErrAlreadyStarted is returned by Start if called on a running Source.
	ErrAlreadyStarted = errors.New("adapter: already started")

	// ErrNotStarted reports an operation on a Source that has not been
	// started. The reference adapters do not return it: their Stop returns
	// nil when the Source is not running.
	ErrNotStarted = errors.New("adapter: not started")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatal reports whether err should surface immediately without retry.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// WrapTransient wraps cause as a transient adapter error tagged with op.
func WrapTransient(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTransient, cause)
}

// WrapFatal wraps cause as a fatal adapter error tagged with op.
func WrapFatal(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", op, ErrFatal, cause)
}
