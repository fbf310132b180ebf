package intel

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by stores and lifecycle operations. Callers use
// errors.Is to distinguish "nothing to do" from "something is wrong".
var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the operation was requested from an incompatible
	// state, e.g. pausing a company that is not in progress.
	ErrConflict = errors.New("conflict")

	// ErrStaleTransition indicates a phase advance attempted from an
	// unexpected current phase. Duplicate or out-of-order task completions
	// surface as stale transitions and are dropped, not treated as failures.
	ErrStaleTransition = errors.New("stale transition")

	// ErrValidation indicates bad input rejected before any state change.
	ErrValidation = errors.New("validation")
)

// PermanentError wraps an unrecoverable task failure. The dispatcher fails
// the task immediately without retrying and marks the company failed.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as unrecoverable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Conflictf wraps ErrConflict with a formatted detail message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
