// Package statestore holds the tracker's side state: which events have been
// applied, the last known size of every object and each bucket's unmatched
// removal volume. Both stores satisfy tracker.Deduper and tracker.SizeIndex.
//
//   - GormStore: gorm over a SQLite file, durable across restarts
//   - DatastoreStore: any go-datastore, an in-memory map by default
package statestore

import (
	"context"
	"time"
)

// Store is the combined dedup and object-size state.
type Store interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error

	ObjectSize(ctx context.Context, bucket, key string) (int64, bool, error)
	RememberSize(ctx context.Context, bucket, key string, size int64) error
	ForgetSize(ctx context.Context, bucket, key string) error

	// Deficit is the bucket's removal volume not yet matched by creations.
	Deficit(ctx context.Context, bucket string) (bytes, objects int64, err error)
	SetDeficit(ctx context.Context, bucket string, bytes, objects int64) error

	// PruneEvents forgets dedup entries recorded before cutoff. Redelivery
	// of a pruned event would be applied again, so the cutoff must lie past
	// the event source's redelivery horizon.
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*DatastoreStore)(nil)
)
