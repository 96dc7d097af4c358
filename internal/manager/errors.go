package manager

import "errors"

// loadError signals engine construction failure.
type loadError struct{ msg string }

func (e loadError) Error() string { return "engine load failed: " + e.msg }

// ErrLoadFailed constructs a loadError.
func ErrLoadFailed(msg string) error { return loadError{msg: msg} }

// IsLoadFailed reports whether err indicates the engine could not be built.
func IsLoadFailed(err error) bool {
	var e loadError
	return errors.As(err, &e)
}

// acquireTimeoutError signals that an acquisition attempt exhausted its
// deadline waiting for the lock or a memory slot.
type acquireTimeoutError struct{ what string }

func (e acquireTimeoutError) Error() string { return "timed out waiting for " + e.what }

// IsAcquireTimeout reports whether err indicates resource contention.
func IsAcquireTimeout(err error) bool {
	var e acquireTimeoutError
	return errors.As(err, &e)
}
