package changelog

import (
	"errors"
	"fmt"
)

var (
	// ErrChangeLogUnavailable means a change could not be captured. The
	// enclosing business transaction must fail with it.
	ErrChangeLogUnavailable = errors.New("changelog: change log unavailable")

	// ErrInvalidChange is returned for records that fail validation.
	ErrInvalidChange = errors.New("changelog: invalid change")

	// ErrRecordNotFound is returned when a record id does not exist.
	ErrRecordNotFound = errors.New("changelog: record not found")

	// ErrClaimLost is returned when a status transition finds the record in
	// an unexpected state.
	ErrClaimLost = errors.New("changelog: claim lost")
)

// CaptureError wraps the storage failure behind ErrChangeLogUnavailable.
type CaptureError struct {
	Table string
	RowID string
	Err   error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s/%s: %v", e.Table, e.RowID, e.Err)
}

func (e *CaptureError) Unwrap() []error {
	return []error{ErrChangeLogUnavailable, e.Err}
}

// IsUnavailable reports whether err came from a failed capture.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrChangeLogUnavailable)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidChange, fmt.Sprintf(format, args...))
}
