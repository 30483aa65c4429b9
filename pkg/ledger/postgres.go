package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger stores the history in Postgres through a pgx pool.
// The schema mirrors SQLiteLedger: primary key (bucket_id, ts) and the
// size_records_by_total index.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresLedger, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", mapPgErr(err))
	}
	l, err := NewPostgresLedger(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	lg := logctx.FromContext(ctx)
	lg.Info().Msg("opened postgres ledger")
	return l, nil
}

// NewPostgresLedger reuses an existing pool. Close closes the pool.
func NewPostgresLedger(ctx context.Context, pool *pgxpool.Pool) (*PostgresLedger, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS size_records (
  bucket_id    text   NOT NULL,
  ts           bigint NOT NULL,
  total_size   bigint NOT NULL CHECK (total_size >= 0),
  event_delta  bigint NOT NULL,
  object_count bigint NOT NULL DEFAULT 0,
  PRIMARY KEY (bucket_id, ts)
);
CREATE INDEX IF NOT EXISTS size_records_by_total
  ON size_records (bucket_id, total_size DESC, ts DESC);
`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create schema: %w", mapPgErr(err))
	}
	return &PostgresLedger{pool: pool}, nil
}

// mapPgErr turns connection loss, serialization failures and server
// overload into ErrUnavailable.
func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "40001",               // serialization_failure
			pgErr.Code == "40P01",               // deadlock_detected
			pgErr.Code == "57P01":               // admin_shutdown
			return unavailable(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return unavailable(err)
	}
	return err
}

// Append implements Ledger.
func (l *PostgresLedger) Append(ctx context.Context, rec SizeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	tag, err := l.pool.Exec(ctx, `
INSERT INTO size_records (bucket_id, ts, total_size, event_delta, object_count)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (bucket_id, ts) DO NOTHING`,
		rec.BucketID, rec.Timestamp, rec.TotalSize, rec.EventDelta, rec.ObjectCount)
	if err != nil {
		return fmt.Errorf("insert size record: %w", mapPgErr(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var existing int64
	err = l.pool.QueryRow(ctx,
		`SELECT total_size FROM size_records WHERE bucket_id = $1 AND ts = $2`,
		rec.BucketID, rec.Timestamp).Scan(&existing)
	if err != nil {
		return fmt.Errorf("read conflicting record: %w", mapPgErr(err))
	}
	if existing == rec.TotalSize {
		return nil
	}
	return conflict(rec, existing)
}

// QueryByTimeRange implements Ledger.
func (l *PostgresLedger) QueryByTimeRange(ctx context.Context, bucket string, from, to int64) (*Iterator, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM size_records WHERE bucket_id = $1)`, bucket).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", mapPgErr(err))
	}
	if !exists {
		return nil, notFound(bucket)
	}

	rows, err := l.pool.Query(ctx, `
SELECT bucket_id, ts, total_size, event_delta, object_count
FROM size_records
WHERE bucket_id = $1 AND ts BETWEEN $2 AND $3
ORDER BY ts ASC`, bucket, from, to)
	if err != nil {
		return nil, fmt.Errorf("query time range: %w", mapPgErr(err))
	}
	return newIterator(&pgRowsSource{rows: rows}), nil
}

// QueryMaxTotalSize implements Ledger.
func (l *PostgresLedger) QueryMaxTotalSize(ctx context.Context, bucket string) (SizeRecord, error) {
	return l.queryOne(ctx, bucket, "query max total size", `
SELECT bucket_id, ts, total_size, event_delta, object_count
FROM size_records
WHERE bucket_id = $1
ORDER BY total_size DESC, ts DESC
LIMIT 1`)
}

// Latest implements Ledger.
func (l *PostgresLedger) Latest(ctx context.Context, bucket string) (SizeRecord, error) {
	return l.queryOne(ctx, bucket, "query latest", `
SELECT bucket_id, ts, total_size, event_delta, object_count
FROM size_records
WHERE bucket_id = $1
ORDER BY ts DESC
LIMIT 1`)
}

func (l *PostgresLedger) queryOne(ctx context.Context, bucket, op, query string) (SizeRecord, error) {
	var rec SizeRecord
	err := l.pool.QueryRow(ctx, query, bucket).
		Scan(&rec.BucketID, &rec.Timestamp, &rec.TotalSize, &rec.EventDelta, &rec.ObjectCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return SizeRecord{}, notFound(bucket)
	}
	if err != nil {
		return SizeRecord{}, fmt.Errorf("%s: %w", op, mapPgErr(err))
	}
	return rec, nil
}

// Buckets implements Ledger.
func (l *PostgresLedger) Buckets(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx, `SELECT DISTINCT bucket_id FROM size_records ORDER BY bucket_id`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", mapPgErr(err))
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", mapPgErr(err))
	}
	return out, nil
}

// Close closes the pool.
func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}

// pgRowsSource adapts pgx.Rows to rowSource.
type pgRowsSource struct {
	rows pgx.Rows
}

func (s *pgRowsSource) next() (SizeRecord, bool, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return SizeRecord{}, false, fmt.Errorf("iterate size records: %w", mapPgErr(err))
		}
		return SizeRecord{}, false, nil
	}
	var rec SizeRecord
	if err := s.rows.Scan(&rec.BucketID, &rec.Timestamp, &rec.TotalSize, &rec.EventDelta, &rec.ObjectCount); err != nil {
		return SizeRecord{}, false, fmt.Errorf("scan size record: %w", err)
	}
	return rec, true, nil
}

func (s *pgRowsSource) close() error {
	s.rows.Close()
	return nil
}
