package ingestion

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for ingestion failures.
var (
	// ErrEmptyBatch is returned when a batch has no records.
	ErrEmptyBatch = errors.New("batch contains no records")

	// ErrMissingCoordinate is returned when a required routing coordinate is blank.
	ErrMissingCoordinate = errors.New("missing required coordinate")

	// ErrUnknownCoordinate is returned when coordinates name a partition the
	// topology does not declare.
	ErrUnknownCoordinate = errors.New("coordinate not in topology")

	// ErrDuplicateBatch identifies a batch whose fingerprint was already ingested.
	ErrDuplicateBatch = errors.New("batch already ingested")

	// ErrNilStore is returned by NewEngine when no store is supplied.
	ErrNilStore = errors.New("ingestion store cannot be nil")
)

// ValidationError reports bad caller input. Nothing was written.
type ValidationError struct {
	// Fields lists the offending inputs, e.g. "country" or "data_type".
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Err.Error()
	}

	return fmt.Sprintf("validation failed: %v (%s)", e.Err, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error { return e.Err }

// DuplicateBatchError is informational: the batch was ingested before and
// nothing was written this time.
type DuplicateBatchError struct {
	Fingerprint string
}

func (e *DuplicateBatchError) Error() string {
	return fmt.Sprintf("%v: fingerprint %s", ErrDuplicateBatch, e.Fingerprint)
}

func (e *DuplicateBatchError) Unwrap() error { return ErrDuplicateBatch }

// StorageError reports a store failure. The batch transaction was rolled back.
//
// Conflict is set when the failure is the upload fingerprint's uniqueness
// constraint, meaning a concurrent caller committed the same batch first.
type StorageError struct {
	Op       string
	Conflict bool
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a fingerprint conflict from the store.
func IsConflict(err error) bool {
	var storageErr *StorageError

	return errors.As(err, &storageErr) && storageErr.Conflict
}
