package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/eunmann/s3-size-history/pkg/s3client"
	"github.com/eunmann/s3-size-history/pkg/tracker"
)

// MinioConfig locates an S3-compatible endpoint.
type MinioConfig struct {
	// Endpoint is host:port or a URL; an https scheme turns on TLS.
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	// Bucket is the destination; empty writes next to the data.
	Bucket string
}

// Validate checks that the endpoint and credentials are present.
func (c *MinioConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("minio credentials are required")
	}
	return nil
}

// MinioStore uploads artifacts with minio-go. It also lists buckets for
// reconciliation against non-AWS object stores.
type MinioStore struct {
	client *minio.Client
	bucket string
}

var _ tracker.Lister = (*MinioStore)(nil)

// NewMinioStore connects to cfg.Endpoint. No request is made until use.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid minio config: %w", err)
	}

	endpoint, secure := cfg.Endpoint, cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = secure || u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Put implements Store.
func (s *MinioStore) Put(ctx context.Context, obj Object) (string, error) {
	if err := obj.validate(); err != nil {
		return "", err
	}
	bucket := s.bucket
	if bucket == "" {
		bucket = obj.SourceBucket
	}
	if bucket == "" {
		return "", fmt.Errorf("%w: no destination bucket for %s", ErrInvalidObject, obj.Key)
	}

	_, err := s.client.PutObject(ctx, bucket, obj.Key, obj.Body, obj.Size, minio.PutObjectOptions{
		ContentType: obj.ContentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload artifact to %s: %w", bucket, err)
	}
	return s3client.FormatS3URI(bucket, obj.Key), nil
}

// ListObjects implements tracker.Lister.
func (s *MinioStore) ListObjects(ctx context.Context, bucket string, fn func(tracker.ObjectInfo) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel() // stops the listing goroutine on early return

	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", bucket, obj.Err)
		}
		if err := fn(tracker.ObjectInfo{Key: obj.Key, Size: obj.Size}); err != nil {
			return err
		}
	}
	return ctx.Err()
}
