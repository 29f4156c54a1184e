package records

import "errors"

var (
	// ErrNotFound is returned when the records system has no entity with
	// the requested ID.
	ErrNotFound = errors.New("records: not found")
	// ErrVersionConflict is returned by a conditional write when the
	// caller's expected version no longer matches the stored version.
	ErrVersionConflict = errors.New("records: version conflict")
)
