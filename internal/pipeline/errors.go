package pipeline

import "errors"

// validationError marks client-caused input problems.
type validationError struct{ msg string }

func (e validationError) Error() string { return e.msg }

// ErrValidation constructs a validationError.
func ErrValidation(msg string) error { return validationError{msg: msg} }

// IsValidation reports whether err was caused by invalid input.
func IsValidation(err error) bool {
	var e validationError
	return errors.As(err, &e)
}

// tooLargeError marks inputs exceeding the size or page ceiling.
type tooLargeError struct{ msg string }

func (e tooLargeError) Error() string { return e.msg }

// ErrTooLarge constructs a tooLargeError.
func ErrTooLarge(msg string) error { return tooLargeError{msg: msg} }

// IsTooLarge reports whether err indicates an oversized input.
func IsTooLarge(err error) bool {
	var e tooLargeError
	return errors.As(err, &e)
}
