package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/eunmann/s3-size-history/pkg/ledger"
	"github.com/eunmann/s3-size-history/pkg/statestore"
)

func TestHandleBatch(t *testing.T) {
	tr, l := newTestTracker(t, DefaultConfig())

	dup := created("b1", "a.txt", 100, 1)
	events := []Event{
		dup,
		created("b2", "x", 10, 1),
		created("b1", "b.txt", 50, 2),
		{BucketID: "b2", Kind: Created, EventTime: at(2)}, // no key
		removed("b1", "c.txt", 30, 3),
		dup,
		created("b2", "y", 5, 3),
	}

	report, err := tr.HandleBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if report.Applied != 6 {
		t.Errorf("Applied = %d, want 6", report.Applied)
	}
	if len(report.Malformed) != 1 || !errors.Is(report.Malformed[0], ErrMalformedEvent) {
		t.Errorf("Malformed = %v, want one ErrMalformedEvent", report.Malformed)
	}

	if cur := latestTotal(t, l, "b1"); cur.Timestamp != 3 || cur.TotalSize != 120 {
		t.Errorf("b1 current = {%d,%d}, want {3,120}", cur.Timestamp, cur.TotalSize)
	}
	if got := latestTotal(t, l, "b2").TotalSize; got != 15 {
		t.Errorf("b2 total = %d, want 15", got)
	}
}

func TestHandleBatch_Empty(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultConfig())
	report, err := tr.HandleBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if report.Applied != 0 || len(report.Malformed) != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
}

func TestHandleBatch_StopsOnLedgerFailure(t *testing.T) {
	down := fmt.Errorf("%w: connection reset", ledger.ErrUnavailable)
	l := &scriptedLedger{MemoryLedger: ledger.NewMemoryLedger(), appendErrs: []error{down}}
	st := statestore.NewMemoryStore()
	defer st.Close()
	tr, err := New(l, st, st, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = tr.HandleBatch(context.Background(), []Event{
		created("b", "a", 1, 1),
		created("b", "b", 1, 2),
	})
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("err = %v, want ErrLedgerUnavailable", err)
	}
	// The failing event comes first in its bucket, so nothing after it ran.
	if _, err := l.Latest(context.Background(), "b"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("ledger written after failure: %v", err)
	}
}

// fakeLister serves a fixed listing.
type fakeLister struct {
	objects []ObjectInfo
	err     error
}

func (f fakeLister) ListObjects(_ context.Context, _ string, fn func(ObjectInfo) error) error {
	for _, obj := range f.objects {
		if err := fn(obj); err != nil {
			return err
		}
	}
	return f.err
}

func TestReconcile(t *testing.T) {
	listing := []ObjectInfo{
		{Key: "a.csv", Size: 100},
		{Key: "b.csv", Size: 40},
		{Key: "notes.txt", Size: 7},
	}

	tests := []struct {
		name        string
		suffix      string
		wantTotal   int64
		wantObjects int64
	}{
		{"all_keys", "", 147, 3},
		{"suffix_filter", ".csv", 140, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ReconcileSuffix = tt.suffix
			tr, l := newTestTracker(t, cfg)
			tr.now = func() time.Time { return at(1_000) }

			// Drift: a removal with nothing to subtract leaves a deficit.
			mustHandle(t, tr,
				created("b", "a.csv", 10, 1),
				removed("b", "zzz", 500, 2),
			)

			rec, err := tr.Reconcile(context.Background(), "b", fakeLister{objects: listing})
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if rec.TotalSize != tt.wantTotal || rec.ObjectCount != tt.wantObjects {
				t.Errorf("record total=%d objects=%d, want %d/%d",
					rec.TotalSize, rec.ObjectCount, tt.wantTotal, tt.wantObjects)
			}
			if rec.Timestamp != 1_000 {
				t.Errorf("ts = %d, want 1000", rec.Timestamp)
			}
			if rec.EventDelta != tt.wantTotal {
				t.Errorf("delta = %d, want %d (previous total 0)", rec.EventDelta, tt.wantTotal)
			}
			if cur := latestTotal(t, l, "b"); cur != rec {
				t.Errorf("latest = %+v, want %+v", cur, rec)
			}

			// The deficit is cleared, so the next creation counts in full.
			mustHandle(t, tr, created("b", "new.csv", 3, 2_000))
			if got := latestTotal(t, l, "b").TotalSize; got != tt.wantTotal+3 {
				t.Errorf("total after reconcile = %d, want %d", got, tt.wantTotal+3)
			}

			// And the size index was reseeded from the listing.
			mustHandle(t, tr, removed("b", "b.csv", UnknownSize, 3_000))
			if got := latestTotal(t, l, "b").TotalSize; got != tt.wantTotal+3-40 {
				t.Errorf("total after indexed removal = %d, want %d", got, tt.wantTotal+3-40)
			}
		})
	}
}

func TestReconcile_StampsPastLatest(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultConfig())
	tr.now = func() time.Time { return at(5) }
	mustHandle(t, tr, created("b", "k", 1, 10))

	rec, err := tr.Reconcile(context.Background(), "b", fakeLister{objects: []ObjectInfo{{Key: "k", Size: 1}}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.Timestamp != 11 {
		t.Errorf("ts = %d, want 11", rec.Timestamp)
	}
	if rec.EventDelta != 0 {
		t.Errorf("delta = %d, want 0", rec.EventDelta)
	}
}

func TestReconcile_ListingError(t *testing.T) {
	tr, l := newTestTracker(t, DefaultConfig())
	_, err := tr.Reconcile(context.Background(), "b", fakeLister{err: errors.New("access denied")})
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("err = %v, want listing error", err)
	}
	if _, err := l.Latest(context.Background(), "b"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("ledger written after failed listing: %v", err)
	}

	if _, err := tr.Reconcile(context.Background(), "", fakeLister{}); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("empty bucket err = %v, want ErrMalformedEvent", err)
	}
}

func TestBucketLocks(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultConfig())
	tr.locks.Lock("a")
	tr.locks.Lock("b")

	acquired := make(chan struct{})
	go func() {
		tr.locks.Lock("a")
		close(acquired)
		tr.unlock("a")
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock(a) did not block")
	case <-time.After(20 * time.Millisecond):
	}

	tr.unlock("a")
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("Lock(a) not released")
	}
	tr.unlock("b")

	// A held bucket does not block Handle on another bucket.
	tr.locks.Lock("held")
	defer tr.unlock("held")
	done := make(chan error, 1)
	go func() { done <- tr.Handle(context.Background(), created("free", "k", 1, 1)) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handle on an unlocked bucket blocked")
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"created", Created},
		{"REMOVED", Removed},
		{"Removed", Removed},
		{"modified", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		if got := ParseKind(tt.in); got != tt.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
