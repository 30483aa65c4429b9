package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by every backend. Callers match them with errors.Is.
var (
	// ErrConflict means a record already occupies (bucket, timestamp) with a
	// different total.
	ErrConflict = errors.New("ledger: conflicting record")

	// ErrUnavailable marks a transient backend failure (throttling, lock
	// contention, dropped connection). The operation may be retried.
	ErrUnavailable = errors.New("ledger: unavailable")

	// ErrNotFound means the bucket has no records at all.
	ErrNotFound = errors.New("ledger: bucket not found")

	// ErrInvalidRecord means a record failed validation before reaching
	// the backend.
	ErrInvalidRecord = errors.New("ledger: invalid record")
)

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func notFound(bucket string) error {
	return fmt.Errorf("bucket %q: %w", bucket, ErrNotFound)
}

func conflict(rec SizeRecord, existingTotal int64) error {
	return fmt.Errorf("append %s@%d total %d (stored %d): %w",
		rec.BucketID, rec.Timestamp, rec.TotalSize, existingTotal, ErrConflict)
}
