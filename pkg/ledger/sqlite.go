package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/mattn/go-sqlite3"
)

// SQLiteConfig configures a SQLiteLedger.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" is rejected because every pooled
	// connection would see a different database.
	Path string
	// Synchronous sets the SQLite synchronous pragma (OFF, NORMAL, FULL).
	Synchronous string
	// BusyTimeoutMS is how long a writer waits on a locked database before
	// the operation fails with ErrUnavailable.
	BusyTimeoutMS int
}

// DefaultSQLiteConfig returns the WAL-mode defaults for path.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:          path,
		Synchronous:   "NORMAL",
		BusyTimeoutMS: 5000,
	}
}

// Validate checks configuration values.
func (c *SQLiteConfig) Validate() error {
	if c.Path == "" {
		return errors.New("sqlite path is required")
	}
	if c.Path == ":memory:" {
		return errors.New("sqlite path must be a file")
	}
	switch c.Synchronous {
	case "", "OFF", "NORMAL", "FULL":
	default:
		return fmt.Errorf("invalid synchronous value %q: must be OFF, NORMAL, or FULL", c.Synchronous)
	}
	if c.BusyTimeoutMS < 0 {
		return fmt.Errorf("busy timeout must be non-negative, got %d", c.BusyTimeoutMS)
	}
	return nil
}

// SQLiteLedger stores the history in a single SQLite file.
//
// Schema:
//
//	size_records(bucket_id, ts, total_size, event_delta, object_count)
//	  PRIMARY KEY (bucket_id, ts)                 -- time order
//	  INDEX size_records_by_total (bucket_id, total_size, ts)  -- size order
type SQLiteLedger struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// OpenSQLite opens (creating if needed) the ledger database.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteLedger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = "NORMAL"
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", cfg.Path, cfg.BusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA synchronous=%s", cfg.Synchronous),
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute pragma %q: %w", pragma, err)
		}
	}

	if err := createSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	lg := logctx.FromContext(ctx)
	lg.Info().
		Str("db_path", cfg.Path).
		Str("synchronous", cfg.Synchronous).
		Msg("opened sqlite ledger")

	return &SQLiteLedger{db: db, cfg: cfg}, nil
}

func createSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const createRecords = `
		CREATE TABLE IF NOT EXISTS size_records (
			bucket_id    TEXT    NOT NULL,
			ts           INTEGER NOT NULL,
			total_size   INTEGER NOT NULL CHECK (total_size >= 0),
			event_delta  INTEGER NOT NULL,
			object_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (bucket_id, ts)
		) WITHOUT ROWID
	`
	const createByTotal = `
		CREATE INDEX IF NOT EXISTS size_records_by_total
		ON size_records (bucket_id, total_size, ts)
	`

	if _, err := db.ExecContext(ctx, createRecords); err != nil {
		return fmt.Errorf("create size_records table: %w", err)
	}
	if _, err := db.ExecContext(ctx, createByTotal); err != nil {
		return fmt.Errorf("create size_records_by_total index: %w", err)
	}
	return nil
}

// mapSQLiteErr turns lock contention into ErrUnavailable.
func mapSQLiteErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return unavailable(err)
	}
	return err
}

// Append implements Ledger.
func (l *SQLiteLedger) Append(ctx context.Context, rec SizeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO size_records (bucket_id, ts, total_size, event_delta, object_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bucket_id, ts) DO NOTHING
	`, rec.BucketID, rec.Timestamp, rec.TotalSize, rec.EventDelta, rec.ObjectCount)
	if err != nil {
		return fmt.Errorf("insert size record: %w", mapSQLiteErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert size record: %w", err)
	}
	if n == 1 {
		return nil
	}

	var existing int64
	err = l.db.QueryRowContext(ctx,
		"SELECT total_size FROM size_records WHERE bucket_id = ? AND ts = ?",
		rec.BucketID, rec.Timestamp).Scan(&existing)
	if err != nil {
		return fmt.Errorf("read conflicting record: %w", mapSQLiteErr(err))
	}
	if existing == rec.TotalSize {
		return nil
	}
	return conflict(rec, existing)
}

func (l *SQLiteLedger) bucketExists(ctx context.Context, bucket string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		"SELECT 1 FROM size_records WHERE bucket_id = ? LIMIT 1", bucket).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check bucket: %w", mapSQLiteErr(err))
	}
	return true, nil
}

// QueryByTimeRange implements Ledger.
func (l *SQLiteLedger) QueryByTimeRange(ctx context.Context, bucket string, from, to int64) (*Iterator, error) {
	ok, err := l.bucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(bucket)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT bucket_id, ts, total_size, event_delta, object_count
		FROM size_records
		WHERE bucket_id = ? AND ts BETWEEN ? AND ?
		ORDER BY ts ASC
	`, bucket, from, to)
	if err != nil {
		return nil, fmt.Errorf("query time range: %w", mapSQLiteErr(err))
	}
	return newIterator(&sqlRowsSource{rows: rows}), nil
}

// QueryMaxTotalSize implements Ledger.
func (l *SQLiteLedger) QueryMaxTotalSize(ctx context.Context, bucket string) (SizeRecord, error) {
	return l.queryOne(ctx, bucket, "query max total size", `
		SELECT bucket_id, ts, total_size, event_delta, object_count
		FROM size_records
		WHERE bucket_id = ?
		ORDER BY total_size DESC, ts DESC
		LIMIT 1
	`)
}

// Latest implements Ledger.
func (l *SQLiteLedger) Latest(ctx context.Context, bucket string) (SizeRecord, error) {
	return l.queryOne(ctx, bucket, "query latest", `
		SELECT bucket_id, ts, total_size, event_delta, object_count
		FROM size_records
		WHERE bucket_id = ?
		ORDER BY ts DESC
		LIMIT 1
	`)
}

func (l *SQLiteLedger) queryOne(ctx context.Context, bucket, op, query string) (SizeRecord, error) {
	var rec SizeRecord
	err := l.db.QueryRowContext(ctx, query, bucket).
		Scan(&rec.BucketID, &rec.Timestamp, &rec.TotalSize, &rec.EventDelta, &rec.ObjectCount)
	if errors.Is(err, sql.ErrNoRows) {
		return SizeRecord{}, notFound(bucket)
	}
	if err != nil {
		return SizeRecord{}, fmt.Errorf("%s: %w", op, mapSQLiteErr(err))
	}
	return rec, nil
}

// Buckets implements Ledger.
func (l *SQLiteLedger) Buckets(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT DISTINCT bucket_id FROM size_records ORDER BY bucket_id")
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", mapSQLiteErr(err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buckets: %w", mapSQLiteErr(err))
	}
	return out, nil
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// sqlRowsSource adapts *sql.Rows to rowSource.
type sqlRowsSource struct {
	rows *sql.Rows
}

func (s *sqlRowsSource) next() (SizeRecord, bool, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return SizeRecord{}, false, fmt.Errorf("iterate size records: %w", mapSQLiteErr(err))
		}
		return SizeRecord{}, false, nil
	}
	var rec SizeRecord
	if err := s.rows.Scan(&rec.BucketID, &rec.Timestamp, &rec.TotalSize, &rec.EventDelta, &rec.ObjectCount); err != nil {
		return SizeRecord{}, false, fmt.Errorf("scan size record: %w", err)
	}
	return rec, true, nil
}

func (s *sqlRowsSource) close() error {
	return s.rows.Close()
}
