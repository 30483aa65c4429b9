// Package logctx carries a zerolog.Logger through context.Context.
//
// The tracker, query engine and orchestrator all log through the logger
// found in their context, so request-scoped fields (bucket, job_id,
// event_id) attached near the entry point show up on every line emitted
// further down the call stack.
//
// Usage:
//
//	ctx := logctx.WithLogger(ctx, baseLogger)
//	ctx = logctx.WithBucket(ctx, "b1")
//	logctx.FromContext(ctx).Info().Msg("appended size record")
package logctx

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type loggerKey struct{}

// Field names shared across packages.
const (
	FieldBucket  = "bucket"
	FieldJob     = "job_id"
	FieldEventID = "event_id"
	FieldStage   = "stage"
)

var (
	defaultLogger     zerolog.Logger
	defaultLoggerOnce sync.Once
)

func initDefaultLogger() {
	defaultLoggerOnce.Do(func() {
		defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
}

// DefaultLogger returns the logger used when a context carries none.
// It writes JSON to stderr with timestamps.
func DefaultLogger() zerolog.Logger {
	initDefaultLogger()
	return defaultLogger
}

// SetDefaultLogger replaces the default logger. Call it during startup only.
func SetDefaultLogger(l zerolog.Logger) {
	initDefaultLogger()
	defaultLogger = l
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or the default logger.
// It never returns a zero-value logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// WithStr returns a context whose logger has the string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithInt64 returns a context whose logger has the int64 field added.
func WithInt64(ctx context.Context, key string, value int64) context.Context {
	logger := FromContext(ctx).With().Int64(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithBucket tags the context logger with the bucket being worked on.
func WithBucket(ctx context.Context, bucket string) context.Context {
	return WithStr(ctx, FieldBucket, bucket)
}

// WithJob tags the context logger with a render job ID.
func WithJob(ctx context.Context, jobID string) context.Context {
	return WithStr(ctx, FieldJob, jobID)
}

// NewConfiguredLogger builds the process logger. debug lowers the level to
// Debug and human switches to the console writer.
func NewConfiguredLogger(debug, human bool) zerolog.Logger {
	return newLogger(os.Stderr, debug, human)
}

func newLogger(w io.Writer, debug, human bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	out := w
	if human {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
