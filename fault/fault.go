// Package fault defines errors shared by all flow packages.
//
// Construction errors are returned synchronously. Run-time errors inside a
// task are delivered as pipeline error events and are wrapped so that
// errors.Is matches the sentinel values below.
package fault

import "errors"

var (
	// ErrInvalidArgument is returned for nil or malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrMemoryExhausted is returned when a buffer cannot be allocated.
	ErrMemoryExhausted = errors.New("memory exhausted")
	// ErrNotSupported is returned on capability or type mismatch.
	ErrNotSupported = errors.New("not supported")
	// ErrNotFound is returned when a name lookup misses.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned if method cannot be executed at this moment.
	ErrInvalidState = errors.New("invalid state")

	// ErrIOFail is a hard I/O error.
	ErrIOFail = errors.New("io fail")
	// ErrIOAbort means the blocking operation was cancelled. It's the
	// shutdown signal and must result in a clean stop.
	ErrIOAbort = errors.New("io abort")
	// ErrIOTimeout means the wait time elapsed without data or space.
	ErrIOTimeout = errors.New("io timeout")

	// ErrJobFailure wraps element open, process or close failures.
	ErrJobFailure = errors.New("job failure")
)

// IsAbort reports whether err is a cooperative cancellation.
func IsAbort(err error) bool {
	return errors.Is(err, ErrIOAbort)
}

// IsTimeout reports whether err is an elapsed wait.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrIOTimeout)
}
