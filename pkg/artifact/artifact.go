// Package artifact stores rendered charts and returns a reference to them.
//
//   - S3Store: aws-sdk-go-v2, refs s3://bucket/key
//   - MinioStore: minio-go against any S3-compatible endpoint, refs s3://bucket/key
//   - FSStore: an afero filesystem, refs file://path
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultKey is where a chart lands when no key template is configured.
// Each bucket gets its own chart, also in stores with a fixed destination.
const DefaultKey = "{bucket}/plot.png"

var (
	// ErrInvalidObject marks an Object that cannot be stored.
	ErrInvalidObject = errors.New("artifact: invalid object")
	// ErrNotFound is returned by Open for a missing artifact.
	ErrNotFound = errors.New("artifact: not found")
)

// Object is one artifact to store.
type Object struct {
	// SourceBucket is the bucket the chart describes. Stores without a
	// fixed destination bucket write next to the data, into this bucket.
	SourceBucket string
	Key          string
	Body         io.Reader
	// Size is the body length, or -1 when unknown.
	Size        int64
	ContentType string
}

func (o Object) validate() error {
	switch {
	case o.Key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidObject)
	case o.Body == nil:
		return fmt.Errorf("%w: nil body for %s", ErrInvalidObject, o.Key)
	}
	return nil
}

// Store persists artifacts.
type Store interface {
	// Put stores obj and returns its reference.
	Put(ctx context.Context, obj Object) (ref string, err error)
}

var (
	_ Store = (*S3Store)(nil)
	_ Store = (*MinioStore)(nil)
	_ Store = (*FSStore)(nil)
)

// ExpandKey fills the {bucket} and {job} placeholders of a key template.
// An empty template yields DefaultKey.
func ExpandKey(tmpl, bucket, job string) string {
	if tmpl == "" {
		tmpl = DefaultKey
	}
	return strings.NewReplacer("{bucket}", bucket, "{job}", job).Replace(tmpl)
}
