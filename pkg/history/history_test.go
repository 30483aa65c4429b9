package history

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eunmann/s3-size-history/pkg/ledger"
	"github.com/eunmann/s3-size-history/pkg/statestore"
	"github.com/eunmann/s3-size-history/pkg/tracker"
)

// countingLedger counts point lookups that reach the ledger.
type countingLedger struct {
	ledger.Ledger
	latest atomic.Int64
	peak   atomic.Int64
}

func (c *countingLedger) Latest(ctx context.Context, bucket string) (ledger.SizeRecord, error) {
	c.latest.Add(1)
	return c.Ledger.Latest(ctx, bucket)
}

func (c *countingLedger) QueryMaxTotalSize(ctx context.Context, bucket string) (ledger.SizeRecord, error) {
	c.peak.Add(1)
	return c.Ledger.QueryMaxTotalSize(ctx, bucket)
}

// b1Ledger holds the reference history: +100 @1, +50 @2, -30 @3.
func b1Ledger(t *testing.T) *ledger.MemoryLedger {
	t.Helper()
	l := ledger.NewMemoryLedger()
	for _, rec := range []ledger.SizeRecord{
		{BucketID: "b1", Timestamp: 1, TotalSize: 100, EventDelta: 100, ObjectCount: 1},
		{BucketID: "b1", Timestamp: 2, TotalSize: 150, EventDelta: 50, ObjectCount: 2},
		{BucketID: "b1", Timestamp: 3, TotalSize: 120, EventDelta: -30, ObjectCount: 1},
	} {
		if err := l.Append(context.Background(), rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return l
}

func TestEngine_GetSeries(t *testing.T) {
	e := NewEngine(b1Ledger(t), nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		bucket   string
		from, to int64
		want     []Point
		wantErr  error
	}{
		{"full", "b1", 0, 10, []Point{{1, 100}, {2, 150}, {3, 120}}, nil},
		{"inclusive_bounds", "b1", 2, 3, []Point{{2, 150}, {3, 120}}, nil},
		{"single_instant", "b1", 2, 2, []Point{{2, 150}}, nil},
		{"empty_window", "b1", 10, 20, []Point{}, nil},
		{"inverted", "b1", 3, 1, nil, ErrInvalidRange},
		{"unknown_bucket", "nope", 0, 10, nil, ledger.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.GetSeries(ctx, tt.bucket, tt.from, tt.to)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetSeries: %v", err)
			}
			if got == nil {
				t.Fatal("series is nil, want empty slice")
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("point %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEngine_CurrentAndPeak(t *testing.T) {
	for _, withCache := range []bool{false, true} {
		name := "uncached"
		var cache *Cache
		if withCache {
			name = "cached"
			cache = NewCache(nil, 0)
		}
		t.Run(name, func(t *testing.T) {
			e := NewEngine(b1Ledger(t), cache)
			ctx := context.Background()

			cur, err := e.GetCurrent(ctx, "b1")
			if err != nil {
				t.Fatalf("GetCurrent: %v", err)
			}
			if cur != (Point{Timestamp: 3, TotalSize: 120}) {
				t.Errorf("current = %+v, want {3 120}", cur)
			}
			peak, err := e.GetPeak(ctx, "b1")
			if err != nil {
				t.Fatalf("GetPeak: %v", err)
			}
			if peak != (Point{Timestamp: 2, TotalSize: 150}) {
				t.Errorf("peak = %+v, want {2 150}", peak)
			}

			if _, err := e.GetCurrent(ctx, "nope"); !errors.Is(err, ledger.ErrNotFound) {
				t.Errorf("unknown current err = %v, want ErrNotFound", err)
			}
			if _, err := e.GetPeak(ctx, "nope"); !errors.Is(err, ledger.ErrNotFound) {
				t.Errorf("unknown peak err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestEngine_SnapshotAt(t *testing.T) {
	e := NewEngine(b1Ledger(t), nil)
	ctx := context.Background()

	tests := []struct {
		asOf           int64
		wantTotal      int64
		wantRecordedAt int64
	}{
		{asOf: 0, wantTotal: 0, wantRecordedAt: 0},
		{asOf: 1, wantTotal: 100, wantRecordedAt: 1},
		{asOf: 2, wantTotal: 150, wantRecordedAt: 2},
		{asOf: 3, wantTotal: 120, wantRecordedAt: 3},
		{asOf: 1000, wantTotal: 120, wantRecordedAt: 3},
	}
	for _, tt := range tests {
		snap, err := e.SnapshotAt(ctx, "b1", tt.asOf)
		if err != nil {
			t.Fatalf("SnapshotAt(%d): %v", tt.asOf, err)
		}
		if snap.BucketID != "b1" || snap.AsOf != tt.asOf {
			t.Errorf("SnapshotAt(%d) identity = %+v", tt.asOf, snap)
		}
		if snap.TotalSize != tt.wantTotal || snap.RecordedAt != tt.wantRecordedAt {
			t.Errorf("SnapshotAt(%d) = total %d @%d, want %d @%d",
				tt.asOf, snap.TotalSize, snap.RecordedAt, tt.wantTotal, tt.wantRecordedAt)
		}
	}

	if _, err := e.SnapshotAt(ctx, "nope", 5); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("unknown bucket err = %v, want ErrNotFound", err)
	}
}

func TestCache_ServesRepeatLookups(t *testing.T) {
	l := &countingLedger{Ledger: b1Ledger(t)}
	e := NewEngine(l, NewCache(nil, 0))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.GetCurrent(ctx, "b1"); err != nil {
			t.Fatalf("GetCurrent: %v", err)
		}
		if _, err := e.GetPeak(ctx, "b1"); err != nil {
			t.Fatalf("GetPeak: %v", err)
		}
	}
	if n := l.latest.Load(); n != 1 {
		t.Errorf("Latest reached the ledger %d times, want 1", n)
	}
	if n := l.peak.Load(); n != 1 {
		t.Errorf("QueryMaxTotalSize reached the ledger %d times, want 1", n)
	}
}

func TestCache_InvalidatedByTracker(t *testing.T) {
	l := ledger.NewMemoryLedger()
	st := statestore.NewMemoryStore()
	defer st.Close()
	tr, err := tracker.New(l, st, st, tracker.DefaultConfig())
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}
	cache := NewCache(nil, 0)
	tr.Subscribe(cache.OnAppend)
	e := NewEngine(l, cache)
	ctx := context.Background()

	handle := func(key string, size, ms int64) {
		t.Helper()
		ev := tracker.Event{BucketID: "b", ObjectKey: key, SizeBytes: size, Kind: tracker.Created, EventTime: time.UnixMilli(ms)}
		if err := tr.Handle(ctx, ev); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	handle("a", 10, 1)
	if cur, _ := e.GetCurrent(ctx, "b"); cur.TotalSize != 10 {
		t.Fatalf("current = %d, want 10", cur.TotalSize)
	}
	if peak, _ := e.GetPeak(ctx, "b"); peak.TotalSize != 10 {
		t.Fatalf("peak = %d, want 10", peak.TotalSize)
	}

	handle("b", 5, 2)
	cur, err := e.GetCurrent(ctx, "b")
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cur != (Point{Timestamp: 2, TotalSize: 15}) {
		t.Errorf("current after append = %+v, want {2 15}", cur)
	}
	if peak, _ := e.GetPeak(ctx, "b"); peak.TotalSize != 15 {
		t.Errorf("peak after append = %d, want 15", peak.TotalSize)
	}
}

func TestCache_StaleWriteDiscarded(t *testing.T) {
	c := NewCache(nil, 0)
	ctx := context.Background()

	gen := c.generation("b")
	c.Invalidate(ctx, "b")
	c.put(ctx, slotCurrent, "b", gen, Point{Timestamp: 1, TotalSize: 1})
	if _, ok := c.get(ctx, slotCurrent, "b"); ok {
		t.Error("write from before invalidation was cached")
	}

	gen = c.generation("b")
	c.put(ctx, slotCurrent, "b", gen, Point{Timestamp: 2, TotalSize: 2})
	if p, ok := c.get(ctx, slotCurrent, "b"); !ok || p.TotalSize != 2 {
		t.Errorf("get = %+v, %v; want total 2", p, ok)
	}
}

func TestCache_TTL(t *testing.T) {
	c := NewCache(nil, time.Second)
	now := time.UnixMilli(1_000_000)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.put(ctx, slotPeak, "b", c.generation("b"), Point{Timestamp: 1, TotalSize: 7})
	if _, ok := c.get(ctx, slotPeak, "b"); !ok {
		t.Fatal("fresh entry missing")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.get(ctx, slotPeak, "b"); ok {
		t.Error("expired entry served")
	}
}
