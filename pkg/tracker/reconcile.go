package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/eunmann/s3-size-history/pkg/humanfmt"
	"github.com/eunmann/s3-size-history/pkg/ledger"
)

// ObjectInfo is one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Lister enumerates a bucket's objects, calling fn once per object.
type Lister interface {
	ListObjects(ctx context.Context, bucket string, fn func(ObjectInfo) error) error
}

// Reconcile recomputes the bucket's total from a full listing and appends
// it as a new record, replacing whatever drift incremental updates
// accumulated. Only keys ending in Config.ReconcileSuffix are counted. The
// listing also reseeds the size index so later removals resolve.
//
// Reconcile holds the bucket lock for the whole listing, so it is meant
// for buckets that fit in one listing pass.
func (t *Tracker) Reconcile(ctx context.Context, bucket string, lister Lister) (ledger.SizeRecord, error) {
	if bucket == "" {
		return ledger.SizeRecord{}, malformed("empty bucket id")
	}
	ctx = logctx.WithBucket(ctx, bucket)
	log := logctx.FromContext(ctx)
	start := time.Now()

	t.locks.Lock(bucket)
	defer t.unlock(bucket)

	var total, count int64
	err := lister.ListObjects(ctx, bucket, func(obj ObjectInfo) error {
		if !strings.HasSuffix(obj.Key, t.cfg.ReconcileSuffix) {
			return nil
		}
		total += obj.Size
		count++
		if err := t.sizes.RememberSize(ctx, bucket, obj.Key, obj.Size); err != nil {
			return fmt.Errorf("update size index: %w", err)
		}
		return nil
	})
	if err != nil {
		return ledger.SizeRecord{}, fmt.Errorf("list bucket %s: %w", bucket, err)
	}

	rec, err := t.appendNext(ctx, bucket, func(prev ledger.SizeRecord, found bool) ledger.SizeRecord {
		return ledger.SizeRecord{
			BucketID:    bucket,
			Timestamp:   stamp(prev, found, t.now()),
			TotalSize:   total,
			EventDelta:  total - prev.TotalSize,
			ObjectCount: count,
		}
	})
	if err != nil {
		return ledger.SizeRecord{}, err
	}
	if err := t.sizes.SetDeficit(ctx, bucket, 0, 0); err != nil {
		return ledger.SizeRecord{}, fmt.Errorf("reset bucket deficit: %w", err)
	}

	t.notify(ctx, rec)

	log.Info().
		Int64("objects", count).
		Int64("total_size", rec.TotalSize).
		Str("drift", humanfmt.Delta(rec.EventDelta)).
		Str("suffix", t.cfg.ReconcileSuffix).
		Str("duration", humanfmt.Duration(time.Since(start))).
		Msg("reconciled bucket size")
	return rec, nil
}
