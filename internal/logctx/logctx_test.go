package logctx

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFromContext_Fallbacks(t *testing.T) {
	//nolint:staticcheck // nil context is part of the contract
	for name, ctx := range map[string]context.Context{
		"nil":        nil,
		"background": context.Background(),
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			l := FromContext(ctx).Output(&buf)
			l.Info().Msg("hello")
			if buf.Len() == 0 {
				t.Error("expected default logger to produce output")
			}
		})
	}
}

func TestWithLogger_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf).With().Str("svc", "s3size").Logger())

	l := FromContext(ctx)
	l.Info().Msg("test")

	if !strings.Contains(buf.String(), `"svc":"s3size"`) {
		t.Errorf("expected svc field in output, got: %s", buf.String())
	}
}

func TestWithLogger_NilContext(t *testing.T) {
	var buf bytes.Buffer
	//nolint:staticcheck // nil context is part of the contract
	ctx := WithLogger(nil, zerolog.New(&buf))
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	l := FromContext(ctx)
	l.Info().Msg("test")
	if buf.Len() == 0 {
		t.Error("expected logger to produce output")
	}
}

func TestFieldHelpers(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf))
	ctx = WithBucket(ctx, "b1")
	ctx = WithJob(ctx, "job-7")
	ctx = WithInt64(ctx, "total_size", 150)
	ctx = WithStr(ctx, FieldStage, "fetch")

	l := FromContext(ctx)
	l.Info().Msg("test")

	out := buf.String()
	for _, want := range []string{
		`"bucket":"b1"`,
		`"job_id":"job-7"`,
		`"total_size":150`,
		`"stage":"fetch"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in output, got: %s", want, out)
		}
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		debug     bool
		human     bool
		wantDebug bool
	}{
		{"json_info", false, false, false},
		{"json_debug", true, false, true},
		{"human_info", false, true, false},
		{"human_debug", true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := newLogger(&buf, tt.debug, tt.human)
			l.Debug().Msg("debug line")

			if got := strings.Contains(buf.String(), "debug line"); got != tt.wantDebug {
				t.Errorf("debug output present = %v, want %v (%q)", got, tt.wantDebug, buf.String())
			}

			buf.Reset()
			l.Info().Msg("info line")
			if !strings.Contains(buf.String(), "info line") {
				t.Errorf("expected info output, got %q", buf.String())
			}
			if tt.human && strings.HasPrefix(buf.String(), "{") {
				t.Errorf("human logger wrote JSON: %q", buf.String())
			}
		})
	}
}
