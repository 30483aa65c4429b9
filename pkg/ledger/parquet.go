package ledger

import (
	"context"
	"fmt"
	"io"

	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/parquet-go/parquet-go"
)

// exportBatchSize is the number of records buffered per Write call.
const exportBatchSize = 1024

// ExportParquet writes the bucket's records with from <= ts <= to to w as a
// zstd-compressed Parquet file. It returns the number of records written.
func ExportParquet(ctx context.Context, l Ledger, bucket string, from, to int64, w io.Writer) (int64, error) {
	it, err := l.QueryByTimeRange(ctx, bucket, from, to)
	if err != nil {
		return 0, fmt.Errorf("query export range: %w", err)
	}
	defer it.Close()

	pw := parquet.NewGenericWriter[SizeRecord](w,
		parquet.Compression(&parquet.Zstd),
		parquet.KeyValueMetadata("bucket_id", bucket),
	)

	var written int64
	batch := make([]SizeRecord, 0, exportBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := pw.Write(batch)
		written += int64(n)
		batch = batch[:0]
		if err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
		return nil
	}

	for it.Next() {
		batch = append(batch, it.Record())
		if len(batch) == exportBatchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := it.Err(); err != nil {
		return written, fmt.Errorf("read export range: %w", err)
	}
	if err := flush(); err != nil {
		return written, err
	}
	if err := pw.Close(); err != nil {
		return written, fmt.Errorf("close parquet writer: %w", err)
	}

	lg := logctx.FromContext(ctx)
	lg.Info().
		Str("bucket", bucket).
		Int64("records", written).
		Msg("exported size history")
	return written, nil
}

// ReadParquet loads records previously written by ExportParquet.
func ReadParquet(r io.ReaderAt, size int64) ([]SizeRecord, error) {
	recs, err := parquet.Read[SizeRecord](r, size)
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	return recs, nil
}
