package artifact

import (
	"context"
	"fmt"
	"io"

	"github.com/eunmann/s3-size-history/pkg/s3client"
)

// ObjectPutter is the upload half of s3client.Client.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

// S3Store uploads artifacts to S3. With an empty Bucket each chart is
// written into the bucket it describes.
type S3Store struct {
	client ObjectPutter
	bucket string
}

// NewS3Store builds an S3Store.
func NewS3Store(client ObjectPutter, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, obj Object) (string, error) {
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

	if err := s.client.PutObject(ctx, bucket, obj.Key, obj.Body, obj.Size, obj.ContentType); err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return s3client.FormatS3URI(bucket, obj.Key), nil
}
