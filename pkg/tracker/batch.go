package tracker

import (
	"context"
	"errors"
	"sync"

	"github.com/eunmann/s3-size-history/internal/logctx"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds how many buckets HandleBatch works on at once.
const DefaultBatchConcurrency = 8

// BatchReport summarises a HandleBatch call.
type BatchReport struct {
	// Applied counts events handled without error, duplicates included.
	Applied   int
	Malformed []error
}

// HandleBatch applies a notification batch. Buckets are processed
// concurrently; events within one bucket keep their delivery order.
// Malformed events are skipped and listed in the report. Any other error
// cancels the remaining work and is returned.
func (t *Tracker) HandleBatch(ctx context.Context, events []Event) (BatchReport, error) {
	var order []string
	byBucket := make(map[string][]Event)
	for _, ev := range events {
		if _, ok := byBucket[ev.BucketID]; !ok {
			order = append(order, ev.BucketID)
		}
		byBucket[ev.BucketID] = append(byBucket[ev.BucketID], ev)
	}

	var (
		mu     sync.Mutex
		report BatchReport
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultBatchConcurrency)
	for _, bucket := range order {
		evs := byBucket[bucket]
		g.Go(func() error {
			for _, ev := range evs {
				if err := gctx.Err(); err != nil {
					return err
				}
				err := t.Handle(gctx, ev)
				mu.Lock()
				switch {
				case err == nil:
					report.Applied++
				case errors.Is(err, ErrMalformedEvent):
					report.Malformed = append(report.Malformed, err)
					err = nil
				}
				mu.Unlock()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	lg := logctx.FromContext(ctx)
	lg.Info().
		Int("events", len(events)).
		Int("buckets", len(order)).
		Int("applied", report.Applied).
		Int("malformed", len(report.Malformed)).
		Err(err).
		Msg("handled event batch")
	return report, err
}
