package humanfmt

import (
	"testing"
	"time"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0 B"},
		{120, "120 B"},
		{1023, "1023 B"},
		{1024, "1.00 KiB"},
		{1536, "1.50 KiB"},
		{1048576, "1.00 MiB"},
		{1610612736, "1.50 GiB"},
		{1099511627776, "1.00 TiB"},
		{-100, "-100 B"},
	}

	for _, tt := range tests {
		if got := Bytes(tt.input); got != tt.want {
			t.Errorf("Bytes(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDelta(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0 B"},
		{40, "+40 B"},
		{-30, "-30 B"},
		{1536, "+1.50 KiB"},
		{-2048, "-2.00 KiB"},
	}

	for _, tt := range tests {
		if got := Delta(tt.input); got != tt.want {
			t.Errorf("Delta(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		input time.Duration
		want  string
	}{
		{0, "0ns"},
		{500 * time.Nanosecond, "500ns"},
		{500 * time.Microsecond, "500.0µs"},
		{1 * time.Millisecond, "1.0ms"},
		{1230 * time.Millisecond, "1.23s"},
		{10 * time.Second, "10.00s"},
		{90 * time.Second, "1m30s"},
		{3600 * time.Second, "1h"},
		{8100 * time.Second, "2h15m"},
	}

	for _, tt := range tests {
		if got := Duration(tt.input); got != tt.want {
			t.Errorf("Duration(%v) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestCount(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0"},
		{3, "3"},
		{1000, "1.00K"},
		{1500000, "1.50M"},
		{1000000000, "1.00B"},
		{-1, "-1"},
	}

	for _, tt := range tests {
		if got := Count(tt.input); got != tt.want {
			t.Errorf("Count(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMillis(t *testing.T) {
	if got, want := Millis(0), "1970-01-01T00:00:00.000Z"; got != want {
		t.Errorf("Millis(0) = %q, want %q", got, want)
	}
	if got, want := Millis(1700000000123), "2023-11-14T22:13:20.123Z"; got != want {
		t.Errorf("Millis(1700000000123) = %q, want %q", got, want)
	}
}

func BenchmarkBytes(b *testing.B) {
	sizes := []int64{100, 1024, 1048576, 1073741824}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Bytes(sizes[i%len(sizes)])
	}
}
