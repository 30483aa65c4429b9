package pricing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMonthlyCost(t *testing.T) {
	pt := DefaultUSEast1Prices()

	tests := []struct {
		name  string
		bytes int64
		class string
		want  uint64
	}{
		{"one_gib_standard", bytesPerGB, "STANDARD", 23_000},
		{"lower_case_class", bytesPerGB, "standard", 23_000},
		{"two_gib_deep_archive", 2 * bytesPerGB, "DEEP_ARCHIVE", 1_980},
		{"half_gib_ia", bytesPerGB / 2, "STANDARD_IA", 6_250},
		{"empty_bucket", 0, "STANDARD", 0},
		{"negative_total", -5, "STANDARD", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pt.MonthlyCost(tt.bytes, tt.class)
			if err != nil {
				t.Fatalf("MonthlyCost: %v", err)
			}
			if got != tt.want {
				t.Errorf("MonthlyCost(%d, %s) = %d, want %d", tt.bytes, tt.class, got, tt.want)
			}
		})
	}

	if _, err := pt.MonthlyCost(bytesPerGB, "PAPYRUS"); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("err = %v, want ErrUnknownClass", err)
	}
}

func TestLoadPriceTable(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "prices.yaml")
	if err := os.WriteFile(yamlPath, []byte("per_gb_month:\n  STANDARD: 0.025\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	pt, err := LoadPriceTable(yamlPath)
	if err != nil {
		t.Fatalf("LoadPriceTable(yaml): %v", err)
	}
	if pt.PerGBMonth["STANDARD"] != 0.025 {
		t.Errorf("STANDARD = %v", pt.PerGBMonth["STANDARD"])
	}

	jsonPath := filepath.Join(dir, "prices.json")
	if err := os.WriteFile(jsonPath, []byte(`{"per_gb_month":{"GLACIER":0.004}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if pt, err := LoadPriceTable(jsonPath); err != nil || pt.PerGBMonth["GLACIER"] != 0.004 {
		t.Errorf("LoadPriceTable(json) = %+v, %v", pt, err)
	}

	emptyPath := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(emptyPath, []byte("per_gb_month: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPriceTable(emptyPath); err == nil {
		t.Error("accepted an empty table")
	}
	if _, err := LoadPriceTable(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("accepted a missing file")
	}
}

func TestFormatCost(t *testing.T) {
	tests := []struct {
		micro uint64
		want  string
	}{
		{0, "$0.000000"},
		{990, "$0.000990"},
		{23_000, "$0.0230"},
		{2_300_000, "$2.30"},
		{230_000_000, "$230"},
	}
	for _, tt := range tests {
		if got := FormatCost(tt.micro); got != tt.want {
			t.Errorf("FormatCost(%d) = %q, want %q", tt.micro, got, tt.want)
		}
	}
}
