package ledger

import (
	"fmt"
	"time"
)

// SizeRecord is one point in a bucket's size history.
type SizeRecord struct {
	// BucketID is the partition key.
	BucketID string `json:"bucketId" parquet:"bucket_id,dict"`
	// Timestamp is milliseconds since the Unix epoch. Strictly increasing
	// per bucket in the tracker's write order.
	Timestamp int64 `json:"timestamp" parquet:"timestamp_ms"`
	// TotalSize is the bucket's aggregate size in bytes after this record.
	TotalSize int64 `json:"totalSize" parquet:"total_size"`
	// EventDelta is the signed byte change this record applied.
	EventDelta int64 `json:"eventDelta" parquet:"event_delta"`
	// ObjectCount is the running number of objects in the bucket.
	ObjectCount int64 `json:"objectCount" parquet:"object_count"`
}

// Validate checks the record's structural invariants.
func (r SizeRecord) Validate() error {
	if r.BucketID == "" {
		return fmt.Errorf("empty bucket id: %w", ErrInvalidRecord)
	}
	if r.TotalSize < 0 {
		return fmt.Errorf("negative total size %d: %w", r.TotalSize, ErrInvalidRecord)
	}
	if r.ObjectCount < 0 {
		return fmt.Errorf("negative object count %d: %w", r.ObjectCount, ErrInvalidRecord)
	}
	return nil
}

// Time returns the timestamp as a UTC time.Time.
func (r SizeRecord) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// Millis converts t to a ledger timestamp.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// sizeLess orders records the way the secondary index does:
// total size, then timestamp.
func sizeLess(a, b SizeRecord) bool {
	if a.TotalSize != b.TotalSize {
		return a.TotalSize < b.TotalSize
	}
	return a.Timestamp < b.Timestamp
}
