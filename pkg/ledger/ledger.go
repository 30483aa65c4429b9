// Package ledger stores the per-bucket size history as an append-only
// time series of SizeRecords.
//
// Every backend keeps two orderings of the same records:
//
//   - primary: (bucket, timestamp), used for range scans and the latest lookup
//   - secondary: (bucket, total size, timestamp), used for the peak lookup
//
// so that "size at time T", "current size" and "maximum size" are all
// answered by an index seek instead of a scan.
//
// Backends:
//
//   - MemoryLedger: sorted slices, for tests and single-process runs
//   - SQLiteLedger: database/sql over mattn/go-sqlite3 in WAL mode
//   - DynamoLedger: DynamoDB table plus the BucketSizeGSI global index
//   - PostgresLedger: pgx connection pool
//
// Retrying wraps any backend and retries operations that failed with
// ErrUnavailable.
package ledger

import "context"

// Ledger is the durable size history. Implementations are safe for
// concurrent use.
type Ledger interface {
	// Append inserts rec. Re-appending an identical record is a no-op;
	// a record with the same bucket and timestamp but a different total
	// fails with ErrConflict.
	Append(ctx context.Context, rec SizeRecord) error

	// QueryByTimeRange returns the bucket's records with from <= ts <= to
	// in ascending timestamp order. An unknown bucket yields ErrNotFound;
	// a known bucket with nothing in the window yields an empty iterator.
	QueryByTimeRange(ctx context.Context, bucket string, from, to int64) (*Iterator, error)

	// QueryMaxTotalSize returns the record with the greatest total size.
	// Ties go to the latest timestamp.
	QueryMaxTotalSize(ctx context.Context, bucket string) (SizeRecord, error)

	// Latest returns the chronologically latest record.
	Latest(ctx context.Context, bucket string) (SizeRecord, error)

	// Buckets lists every bucket with at least one record, sorted.
	Buckets(ctx context.Context) ([]string, error)

	Close() error
}

// Verify interface compliance at compile time.
var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*SQLiteLedger)(nil)
	_ Ledger = (*DynamoLedger)(nil)
	_ Ledger = (*PostgresLedger)(nil)
	_ Ledger = (*Retrying)(nil)
)
