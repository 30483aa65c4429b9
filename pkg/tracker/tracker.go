// Package tracker turns storage-mutation events into size ledger records.
//
// The tracker is the only writer of the ledger. For every event it reads the
// bucket's latest record, applies the event's delta and appends the result,
// all while holding that bucket's lock, so concurrent events for one bucket
// never lose an update. Totals therefore follow processing order rather
// than real-world order; events for different objects may arrive in any
// order and still sum to the same final total.
//
// Duplicate deliveries are recognised by Event.ID and skipped via the
// Deduper. Correctness does not depend on any in-process cache: the
// running total is always rebuilt from the ledger.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/moby/locker"

	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/eunmann/s3-size-history/pkg/humanfmt"
	"github.com/eunmann/s3-size-history/pkg/ledger"
)

// Deduper records which events have already been applied.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

// SizeIndex remembers object sizes so removals without a size, and
// optionally overwrites, can be accounted for. It also carries each
// bucket's unmatched removal volume (see deficit).
type SizeIndex interface {
	ObjectSize(ctx context.Context, bucket, key string) (size int64, ok bool, err error)
	RememberSize(ctx context.Context, bucket, key string, size int64) error
	ForgetSize(ctx context.Context, bucket, key string) error

	Deficit(ctx context.Context, bucket string) (bytes, objects int64, err error)
	SetDeficit(ctx context.Context, bucket string, bytes, objects int64) error
}

// Observer is called after every successful append, still under the
// bucket lock. Observers must not block.
type Observer func(ctx context.Context, rec ledger.SizeRecord)

// Config tunes a Tracker.
type Config struct {
	// MaxConflictRetries bounds re-reads after ErrConflict from Append.
	MaxConflictRetries int
	// ReplaceOverwrites treats a Created event for a key already in the
	// size index as a replacement: the delta is new size minus old size and
	// the object count is unchanged. Off by default, so every Created adds.
	ReplaceOverwrites bool
	// ReconcileSuffix limits Reconcile to keys with this suffix ("" = all).
	ReconcileSuffix string
}

// DefaultConfig returns the default tracker settings.
func DefaultConfig() Config {
	return Config{MaxConflictRetries: 3}
}

// Validate checks configuration values.
func (c *Config) Validate() error {
	if c.MaxConflictRetries < 0 {
		return fmt.Errorf("max conflict retries must be non-negative, got %d", c.MaxConflictRetries)
	}
	return nil
}

// markSeenAttempts bounds MarkSeen calls after the record is appended.
const markSeenAttempts = 3

// Tracker applies events to the ledger. It is safe for concurrent use.
type Tracker struct {
	ledger ledger.Ledger
	dedup  Deduper
	sizes  SizeIndex
	cfg    Config
	locks  *locker.Locker
	now    func() time.Time

	obsMu     sync.RWMutex
	observers []Observer
}

// New builds a Tracker.
func New(l ledger.Ledger, dedup Deduper, sizes SizeIndex, cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %w", err)
	}
	if l == nil || dedup == nil || sizes == nil {
		return nil, errors.New("tracker requires a ledger, a deduper and a size index")
	}
	return &Tracker{
		ledger: l,
		dedup:  dedup,
		sizes:  sizes,
		cfg:    cfg,
		locks:  locker.New(),
		now:    time.Now,
	}, nil
}

// Subscribe registers an observer for appended records.
func (t *Tracker) Subscribe(o Observer) {
	t.obsMu.Lock()
	t.observers = append(t.observers, o)
	t.obsMu.Unlock()
}

func (t *Tracker) notify(ctx context.Context, rec ledger.SizeRecord) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o(ctx, rec)
	}
}

// Handle applies one event. Duplicates return nil without touching the
// ledger. Malformed events return ErrMalformedEvent; a ledger that stays
// unavailable returns ErrLedgerUnavailable.
func (t *Tracker) Handle(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		lg := logctx.FromContext(ctx)
		lg.Warn().Err(err).
			Str("bucket", ev.BucketID).
			Str("key", ev.ObjectKey).
			Msg("dropping malformed event")
		return err
	}

	id := ev.ID()
	ctx = logctx.WithStr(logctx.WithBucket(ctx, ev.BucketID), logctx.FieldEventID, id[:16])
	log := logctx.FromContext(ctx)

	t.locks.Lock(ev.BucketID)
	defer t.unlock(ev.BucketID)

	seen, err := t.dedup.Seen(ctx, id)
	if err != nil {
		return fmt.Errorf("check processed event: %w", err)
	}
	if seen {
		log.Debug().Str("key", ev.ObjectKey).Msg("skipping duplicate event")
		return nil
	}

	size, prevSize, hadPrev, err := t.resolveSize(ctx, ev)
	if err != nil {
		log.Warn().Err(err).Str("key", ev.ObjectKey).Msg("dropping malformed event")
		return err
	}

	var d deficit
	d.bytes, d.objects, err = t.sizes.Deficit(ctx, ev.BucketID)
	if err != nil {
		return fmt.Errorf("read bucket deficit: %w", err)
	}

	var next deficit
	rec, err := t.appendNext(ctx, ev.BucketID, func(prev ledger.SizeRecord, found bool) ledger.SizeRecord {
		var rec ledger.SizeRecord
		rec, next = apply(prev, found, d, ev, size, prevSize, hadPrev)
		return rec
	})
	if err != nil {
		return err
	}

	if err := t.markSeen(ctx, id); err != nil {
		// The record is already durable; a redelivery of this event would
		// be applied twice.
		log.Error().Err(err).Int64("ts", rec.Timestamp).Msg("event applied but not marked processed")
		return fmt.Errorf("mark event processed: %w", err)
	}
	if err := t.trackSize(ctx, ev, size); err != nil {
		return err
	}
	if next != d {
		if err := t.sizes.SetDeficit(ctx, ev.BucketID, next.bytes, next.objects); err != nil {
			return fmt.Errorf("update bucket deficit: %w", err)
		}
	}

	t.notify(ctx, rec)

	log.Info().
		Str("key", ev.ObjectKey).
		Str("kind", ev.Kind.String()).
		Int64("ts", rec.Timestamp).
		Int64("total_size", rec.TotalSize).
		Int64("delta", rec.EventDelta).
		Str("total", humanfmt.Bytes(rec.TotalSize)).
		Msg("applied size event")
	return nil
}

// unlock releases a bucket lock taken by t.locks.Lock. Unlock only fails
// for a name that is not held.
func (t *Tracker) unlock(bucket string) {
	_ = t.locks.Unlock(bucket)
}

// markSeen records id as processed, retrying up to markSeenAttempts times.
func (t *Tracker) markSeen(ctx context.Context, id string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	log := logctx.FromContext(ctx)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, t.dedup.MarkSeen(ctx, id)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(markSeenAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn().Err(err).Dur("backoff", d).Msg("mark event processed failed, retrying")
		}),
	)
	return err
}

// resolveSize returns the event's effective size and, for Created events on
// a key already indexed, the size being replaced.
func (t *Tracker) resolveSize(ctx context.Context, ev Event) (size, prevSize int64, hadPrev bool, err error) {
	switch ev.Kind {
	case Created:
		if t.cfg.ReplaceOverwrites {
			prevSize, hadPrev, err = t.sizes.ObjectSize(ctx, ev.BucketID, ev.ObjectKey)
			if err != nil {
				return 0, 0, false, fmt.Errorf("lookup object size: %w", err)
			}
		}
		return ev.SizeBytes, prevSize, hadPrev, nil
	default:
		if ev.SizeBytes >= 0 {
			return ev.SizeBytes, 0, false, nil
		}
		known, ok, err := t.sizes.ObjectSize(ctx, ev.BucketID, ev.ObjectKey)
		if err != nil {
			return 0, 0, false, fmt.Errorf("lookup object size: %w", err)
		}
		if !ok {
			return 0, 0, false, malformed("removed %s/%s has no size and none is indexed", ev.BucketID, ev.ObjectKey)
		}
		return known, 0, false, nil
	}
}

func (t *Tracker) trackSize(ctx context.Context, ev Event, size int64) error {
	var err error
	if ev.Kind == Created {
		err = t.sizes.RememberSize(ctx, ev.BucketID, ev.ObjectKey, size)
	} else {
		err = t.sizes.ForgetSize(ctx, ev.BucketID, ev.ObjectKey)
	}
	if err != nil {
		return fmt.Errorf("update size index: %w", err)
	}
	return nil
}

// appendNext reads the latest record, derives the next one with build and
// appends it. When another writer took the slot first it re-reads and
// rebuilds, up to MaxConflictRetries times. The caller holds the bucket lock.
func (t *Tracker) appendNext(ctx context.Context, bucket string, build func(prev ledger.SizeRecord, found bool) ledger.SizeRecord) (ledger.SizeRecord, error) {
	for attempt := 0; ; attempt++ {
		prev, found, err := t.latest(ctx, bucket)
		if err != nil {
			return ledger.SizeRecord{}, err
		}
		rec := build(prev, found)

		err = t.ledger.Append(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, ledger.ErrConflict) && attempt < t.cfg.MaxConflictRetries {
			lg := logctx.FromContext(ctx)
			lg.Warn().Err(err).
				Int("attempt", attempt+1).
				Msg("ledger slot taken, re-reading latest")
			continue
		}
		return ledger.SizeRecord{}, ledgerErr("append size record", err)
	}
}

// latest reads the bucket's newest record; an empty bucket starts at zero.
func (t *Tracker) latest(ctx context.Context, bucket string) (ledger.SizeRecord, bool, error) {
	prev, err := t.ledger.Latest(ctx, bucket)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.SizeRecord{BucketID: bucket}, false, nil
	}
	if err != nil {
		return ledger.SizeRecord{}, false, ledgerErr("read latest record", err)
	}
	return prev, true, nil
}

// deficit is removal volume that could not be subtracted because the
// bucket was already at zero, typically a removal delivered before the
// creation it undoes. Later creations pay it off before raising the total,
// so total - deficit always equals the raw sum of applied deltas and the
// final total does not depend on delivery order.
type deficit struct {
	bytes   int64
	objects int64
}

// apply computes the record that follows prev once ev is applied, and the
// bucket's new deficit.
func apply(prev ledger.SizeRecord, found bool, d deficit, ev Event, size, prevSize int64, hadPrev bool) (ledger.SizeRecord, deficit) {
	total, count := prev.TotalSize, prev.ObjectCount

	var delta int64
	switch ev.Kind {
	case Created:
		if hadPrev {
			delta = size - min(prevSize, total)
			break
		}
		paid := min(size, d.bytes)
		d.bytes -= paid
		delta = size - paid
		if d.objects > 0 {
			d.objects--
		} else {
			count++
		}
	case Removed:
		applied := min(size, total)
		d.bytes += size - applied
		delta = -applied
		if count > 0 {
			count--
		} else {
			d.objects++
		}
	}

	return ledger.SizeRecord{
		BucketID:    ev.BucketID,
		Timestamp:   stamp(prev, found, ev.EventTime),
		TotalSize:   total + delta,
		EventDelta:  delta,
		ObjectCount: count,
	}, d
}

// stamp picks the record timestamp: the event time, bumped past the latest
// record when that one is not older. Timestamps per bucket are therefore
// strictly increasing in processing order and Latest always carries every
// applied delta.
func stamp(prev ledger.SizeRecord, found bool, eventTime time.Time) int64 {
	ts := ledger.Millis(eventTime)
	if found && prev.Timestamp >= ts {
		return prev.Timestamp + 1
	}
	return ts
}
