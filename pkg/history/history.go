// Package history answers read queries over the size ledger: the ordered
// series for a window, the current and peak totals, and the total as of a
// given instant. It never writes to the ledger.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/eunmann/s3-size-history/pkg/ledger"
)

// ErrInvalidRange is returned when a window's start lies after its end.
var ErrInvalidRange = errors.New("history: invalid range")

// Point is one (timestamp, total) sample of a bucket's size.
type Point struct {
	Timestamp int64 `json:"timestamp"`
	TotalSize int64 `json:"totalSize"`
}

// PointOf projects a ledger record onto a Point.
func PointOf(rec ledger.SizeRecord) Point {
	return Point{Timestamp: rec.Timestamp, TotalSize: rec.TotalSize}
}

// Snapshot is the latest known total at or before AsOf.
type Snapshot struct {
	BucketID string `json:"bucketId"`
	AsOf     int64  `json:"asOf"`
	// RecordedAt is the timestamp of the record the total came from, 0 when
	// the bucket had no records yet at AsOf.
	RecordedAt int64 `json:"recordedAt"`
	TotalSize  int64 `json:"totalSize"`
}

// Engine serves history queries. The optional cache covers current and
// peak lookups only; series always come from the ledger.
type Engine struct {
	ledger ledger.Ledger
	cache  *Cache
}

// NewEngine builds an Engine. cache may be nil.
func NewEngine(l ledger.Ledger, cache *Cache) *Engine {
	return &Engine{ledger: l, cache: cache}
}

// GetSeries returns the bucket's samples with timestamps in [from, to],
// ascending. An unknown bucket yields ledger.ErrNotFound; a known bucket
// with nothing in the window yields an empty, non-nil slice.
func (e *Engine) GetSeries(ctx context.Context, bucket string, from, to int64) ([]Point, error) {
	if from > to {
		return nil, fmt.Errorf("%w: from %d is after to %d", ErrInvalidRange, from, to)
	}

	it, err := e.ledger.QueryByTimeRange(ctx, bucket, from, to)
	if err != nil {
		return nil, fmt.Errorf("query series for %s: %w", bucket, err)
	}
	defer it.Close()

	points := []Point{}
	for it.Next() {
		points = append(points, PointOf(it.Record()))
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("read series for %s: %w", bucket, err)
	}

	lg := logctx.FromContext(ctx)
	lg.Debug().
		Str(logctx.FieldBucket, bucket).
		Int64("from", from).
		Int64("to", to).
		Int("points", len(points)).
		Msg("loaded series")
	return points, nil
}

// GetCurrent returns the chronologically latest sample, which is not
// necessarily the largest.
func (e *Engine) GetCurrent(ctx context.Context, bucket string) (Point, error) {
	return e.lookup(ctx, slotCurrent, bucket, e.ledger.Latest)
}

// GetPeak returns the largest total ever recorded, ties going to the latest.
func (e *Engine) GetPeak(ctx context.Context, bucket string) (Point, error) {
	return e.lookup(ctx, slotPeak, bucket, e.ledger.QueryMaxTotalSize)
}

func (e *Engine) lookup(ctx context.Context, slot, bucket string, read func(context.Context, string) (ledger.SizeRecord, error)) (Point, error) {
	if e.cache == nil {
		rec, err := read(ctx, bucket)
		if err != nil {
			return Point{}, fmt.Errorf("read %s size for %s: %w", slot, bucket, err)
		}
		return PointOf(rec), nil
	}

	if p, ok := e.cache.get(ctx, slot, bucket); ok {
		return p, nil
	}
	gen := e.cache.generation(bucket)
	rec, err := read(ctx, bucket)
	if err != nil {
		return Point{}, fmt.Errorf("read %s size for %s: %w", slot, bucket, err)
	}
	p := PointOf(rec)
	e.cache.put(ctx, slot, bucket, gen, p)
	return p, nil
}

// SnapshotAt returns the latest total recorded at or before asOf (ms).
func (e *Engine) SnapshotAt(ctx context.Context, bucket string, asOf int64) (Snapshot, error) {
	snap := Snapshot{BucketID: bucket, AsOf: asOf}

	// Fast path: the latest record is usually old enough.
	latest, err := e.ledger.Latest(ctx, bucket)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", bucket, err)
	}
	if latest.Timestamp <= asOf {
		snap.RecordedAt, snap.TotalSize = latest.Timestamp, latest.TotalSize
		return snap, nil
	}

	it, err := e.ledger.QueryByTimeRange(ctx, bucket, math.MinInt64, asOf)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", bucket, err)
	}
	defer it.Close()
	for it.Next() {
		rec := it.Record()
		snap.RecordedAt, snap.TotalSize = rec.Timestamp, rec.TotalSize
	}
	if err := it.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", bucket, err)
	}
	return snap, nil
}

// Buckets lists the buckets the ledger knows.
func (e *Engine) Buckets(ctx context.Context) ([]string, error) {
	buckets, err := e.ledger.Buckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	return buckets, nil
}
