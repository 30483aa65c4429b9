package ledger

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// bucketSeries holds one bucket's records in both index orders.
type bucketSeries struct {
	byTime []SizeRecord // ascending Timestamp
	bySize []SizeRecord // ascending (TotalSize, Timestamp)
}

// MemoryLedger keeps the history in process memory. Range queries return a
// snapshot copy, so iterating never blocks writers.
type MemoryLedger struct {
	mu      sync.RWMutex
	buckets map[string]*bucketSeries
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{buckets: make(map[string]*bucketSeries)}
}

// Append implements Ledger.
func (m *MemoryLedger) Append(ctx context.Context, rec SizeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.buckets[rec.BucketID]
	if !ok {
		s = &bucketSeries{}
		m.buckets[rec.BucketID] = s
	}

	i := sort.Search(len(s.byTime), func(i int) bool {
		return s.byTime[i].Timestamp >= rec.Timestamp
	})
	if i < len(s.byTime) && s.byTime[i].Timestamp == rec.Timestamp {
		if s.byTime[i].TotalSize == rec.TotalSize {
			return nil
		}
		return conflict(rec, s.byTime[i].TotalSize)
	}
	s.byTime = slices.Insert(s.byTime, i, rec)

	j := sort.Search(len(s.bySize), func(j int) bool {
		return !sizeLess(s.bySize[j], rec)
	})
	s.bySize = slices.Insert(s.bySize, j, rec)
	return nil
}

// QueryByTimeRange implements Ledger.
func (m *MemoryLedger) QueryByTimeRange(ctx context.Context, bucket string, from, to int64) (*Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.buckets[bucket]
	if !ok {
		return nil, notFound(bucket)
	}
	if from > to {
		return newIterator(&sliceSource{}), nil
	}

	lo := sort.Search(len(s.byTime), func(i int) bool { return s.byTime[i].Timestamp >= from })
	hi := sort.Search(len(s.byTime), func(i int) bool { return s.byTime[i].Timestamp > to })
	return newIterator(&sliceSource{recs: slices.Clone(s.byTime[lo:hi])}), nil
}

// QueryMaxTotalSize implements Ledger.
func (m *MemoryLedger) QueryMaxTotalSize(ctx context.Context, bucket string) (SizeRecord, error) {
	if err := ctx.Err(); err != nil {
		return SizeRecord{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.buckets[bucket]
	if !ok || len(s.bySize) == 0 {
		return SizeRecord{}, notFound(bucket)
	}
	return s.bySize[len(s.bySize)-1], nil
}

// Latest implements Ledger.
func (m *MemoryLedger) Latest(ctx context.Context, bucket string) (SizeRecord, error) {
	if err := ctx.Err(); err != nil {
		return SizeRecord{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.buckets[bucket]
	if !ok || len(s.byTime) == 0 {
		return SizeRecord{}, notFound(bucket)
	}
	return s.byTime[len(s.byTime)-1], nil
}

// Buckets implements Ledger.
func (m *MemoryLedger) Buckets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.buckets))
	for b := range m.buckets {
		out = append(out, b)
	}
	slices.Sort(out)
	return out, nil
}

// Close implements Ledger.
func (m *MemoryLedger) Close() error {
	return nil
}
