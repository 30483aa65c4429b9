package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ProcessedEvent is one applied event ID.
type ProcessedEvent struct {
	ID          string    `gorm:"primaryKey;size:64"`
	ProcessedAt time.Time `gorm:"index;not null"`
}

// ObjectSizeRow is the last known size of one object.
type ObjectSizeRow struct {
	Bucket    string `gorm:"primaryKey"`
	ObjectKey string `gorm:"primaryKey"`
	Size      int64  `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName implements gorm's schema.Tabler.
func (ObjectSizeRow) TableName() string { return "object_sizes" }

// BucketDeficit is a bucket's removal volume not yet matched by creations.
type BucketDeficit struct {
	Bucket  string `gorm:"primaryKey"`
	Bytes   int64  `gorm:"not null"`
	Objects int64  `gorm:"not null"`
}

// GormStore persists tracker state in SQLite through gorm and the pure-Go
// glebarez driver. Tables: processed_events, object_sizes and
// bucket_deficits.
type GormStore struct {
	db *gorm.DB
}

// zerologWriter routes gorm's logger through zerolog at debug level.
type zerologWriter struct {
	log zerolog.Logger
}

func (w zerologWriter) Printf(format string, args ...any) {
	w.log.Debug().Str("component", "gorm").Msgf(format, args...)
}

// OpenGorm opens (creating if needed) the state database at path.
func OpenGorm(ctx context.Context, path string) (*GormStore, error) {
	if path == "" {
		return nil, errors.New("state store path is required")
	}

	gl := logger.New(zerologWriter{log: logctx.FromContext(ctx)}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&ProcessedEvent{}, &ObjectSizeRow{}, &BucketDeficit{}); err != nil {
		closeGorm(db)
		return nil, fmt.Errorf("migrate state store: %w", err)
	}

	lg := logctx.FromContext(ctx)
	lg.Info().Str("db_path", path).Msg("opened state store")
	return &GormStore{db: db}, nil
}

func closeGorm(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Seen implements tracker.Deduper.
func (s *GormStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&ProcessedEvent{}).Where("id = ?", eventID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return n > 0, nil
}

// MarkSeen implements tracker.Deduper.
func (s *GormStore) MarkSeen(ctx context.Context, eventID string) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ProcessedEvent{ID: eventID, ProcessedAt: time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("record processed event: %w", err)
	}
	return nil
}

// ObjectSize implements tracker.SizeIndex.
func (s *GormStore) ObjectSize(ctx context.Context, bucket, key string) (int64, bool, error) {
	var row ObjectSizeRow
	err := s.db.WithContext(ctx).
		Where("bucket = ? AND object_key = ?", bucket, key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup object size: %w", err)
	}
	return row.Size, true, nil
}

// RememberSize implements tracker.SizeIndex.
func (s *GormStore) RememberSize(ctx context.Context, bucket, key string, size int64) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket"}, {Name: "object_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"size", "updated_at"}),
		}).
		Create(&ObjectSizeRow{Bucket: bucket, ObjectKey: key, Size: size}).Error
	if err != nil {
		return fmt.Errorf("remember object size: %w", err)
	}
	return nil
}

// ForgetSize implements tracker.SizeIndex.
func (s *GormStore) ForgetSize(ctx context.Context, bucket, key string) error {
	err := s.db.WithContext(ctx).
		Where("bucket = ? AND object_key = ?", bucket, key).
		Delete(&ObjectSizeRow{}).Error
	if err != nil {
		return fmt.Errorf("forget object size: %w", err)
	}
	return nil
}

// Deficit implements tracker.SizeIndex.
func (s *GormStore) Deficit(ctx context.Context, bucket string) (int64, int64, error) {
	var row BucketDeficit
	err := s.db.WithContext(ctx).Where("bucket = ?", bucket).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read bucket deficit: %w", err)
	}
	return row.Bytes, row.Objects, nil
}

// SetDeficit implements tracker.SizeIndex.
func (s *GormStore) SetDeficit(ctx context.Context, bucket string, bytes, objects int64) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket"}},
			DoUpdates: clause.AssignmentColumns([]string{"bytes", "objects"}),
		}).
		Create(&BucketDeficit{Bucket: bucket, Bytes: bytes, Objects: objects}).Error
	if err != nil {
		return fmt.Errorf("write bucket deficit: %w", err)
	}
	return nil
}

// PruneEvents implements Store.
func (s *GormStore) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("processed_at < ?", cutoff.UTC()).
		Delete(&ProcessedEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune processed events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close closes the underlying database.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
