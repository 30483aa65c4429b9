package ledger

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestExportParquet(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	mustAppend(t, l, b1History()...)
	mustAppend(t, l, SizeRecord{BucketID: "other", Timestamp: 2, TotalSize: 999})

	var buf bytes.Buffer
	n, err := ExportParquet(ctx, l, "b1", 2, 3, &buf)
	if err != nil {
		t.Fatalf("ExportParquet: %v", err)
	}
	if n != 2 {
		t.Errorf("exported %d records, want 2", n)
	}

	got, err := ReadParquet(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("ReadParquet: %v", err)
	}
	want := b1History()[1:]
	if len(got) != len(want) {
		t.Fatalf("read %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestExportParquet_UnknownBucket(t *testing.T) {
	var buf bytes.Buffer
	_, err := ExportParquet(context.Background(), NewMemoryLedger(), "missing", 0, 10, &buf)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
