package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/eunmann/s3-size-history/internal/logctx"
)

// RetryConfig bounds the retries of a Retrying ledger.
type RetryConfig struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts uint
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps a single backoff delay.
	MaxInterval time.Duration
}

// DefaultRetryConfig returns 4 attempts starting at 50ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Validate checks configuration values.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts == 0 {
		return errors.New("max attempts must be at least 1")
	}
	if c.InitialInterval <= 0 {
		return fmt.Errorf("initial interval must be positive, got %v", c.InitialInterval)
	}
	if c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("max interval %v is below initial interval %v", c.MaxInterval, c.InitialInterval)
	}
	return nil
}

// Retrying decorates a Ledger and retries calls that fail with
// ErrUnavailable using exponential backoff. Every other error is returned
// on the first attempt.
type Retrying struct {
	inner Ledger
	cfg   RetryConfig
}

// NewRetrying wraps inner.
func NewRetrying(inner Ledger, cfg RetryConfig) (*Retrying, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	return &Retrying{inner: inner, cfg: cfg}, nil
}

// Unwrap returns the decorated ledger.
func (r *Retrying) Unwrap() Ledger {
	return r.inner
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	log := logctx.FromContext(ctx)
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn().Err(err).Str("op", op).Dur("backoff", d).Msg("ledger unavailable, retrying")
		}),
	)
}

// Append implements Ledger.
func (r *Retrying) Append(ctx context.Context, rec SizeRecord) error {
	_, err := retry(ctx, r, "append", func() (struct{}, error) {
		return struct{}{}, r.inner.Append(ctx, rec)
	})
	return err
}

// QueryByTimeRange implements Ledger. Only opening the iterator is retried;
// errors surfacing mid-iteration are reported by Iterator.Err.
func (r *Retrying) QueryByTimeRange(ctx context.Context, bucket string, from, to int64) (*Iterator, error) {
	return retry(ctx, r, "query_time_range", func() (*Iterator, error) {
		return r.inner.QueryByTimeRange(ctx, bucket, from, to)
	})
}

// QueryMaxTotalSize implements Ledger.
func (r *Retrying) QueryMaxTotalSize(ctx context.Context, bucket string) (SizeRecord, error) {
	return retry(ctx, r, "query_max", func() (SizeRecord, error) {
		return r.inner.QueryMaxTotalSize(ctx, bucket)
	})
}

// Latest implements Ledger.
func (r *Retrying) Latest(ctx context.Context, bucket string) (SizeRecord, error) {
	return retry(ctx, r, "latest", func() (SizeRecord, error) {
		return r.inner.Latest(ctx, bucket)
	})
}

// Buckets implements Ledger.
func (r *Retrying) Buckets(ctx context.Context) ([]string, error) {
	return retry(ctx, r, "buckets", func() ([]string, error) {
		return r.inner.Buckets(ctx)
	})
}

// Close closes the decorated ledger.
func (r *Retrying) Close() error {
	return r.inner.Close()
}
