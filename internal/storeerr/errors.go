// Package storeerr defines the failure taxonomy shared by every store in the
// trajectory database. Callers test for these with errors.Is; stores wrap
// them with call-site context.
package storeerr

import "errors"

// Sentinel errors for the core store operations.
var (
	// ErrNotFound is returned when a referenced simulation, run or state id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidBranchPoint is returned when the branch-point state is not in the parent run's ledger.
	ErrInvalidBranchPoint = errors.New("invalid branch point")

	// ErrSequenceConflict is returned when a concurrent append raced on the same run.
	// It is the only retryable failure.
	ErrSequenceConflict = errors.New("sequence conflict")

	// ErrValidation is returned for malformed payloads.
	ErrValidation = errors.New("validation error")

	// ErrRunNotActive is returned when appending to a paused, completed or failed run,
	// or when a status transition is not allowed from the run's current status.
	ErrRunNotActive = errors.New("run not active")
)

// Retryable reports whether err may succeed if the whole call is repeated.
func Retryable(err error) bool {
	return errors.Is(err, ErrSequenceConflict)
}
