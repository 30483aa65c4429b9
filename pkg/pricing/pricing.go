// Package pricing estimates the monthly storage cost of a bucket total.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultStorageClass prices totals when no class is configured.
const DefaultStorageClass = "STANDARD"

// ErrUnknownClass is returned for a storage class missing from the table.
var ErrUnknownClass = errors.New("pricing: unknown storage class")

// PriceTable holds USD per GiB-month for each storage class.
type PriceTable struct {
	PerGBMonth map[string]float64 `json:"per_gb_month" yaml:"per_gb_month"`
}

// DefaultUSEast1Prices returns approximate us-east-1 list prices.
func DefaultUSEast1Prices() PriceTable {
	return PriceTable{
		PerGBMonth: map[string]float64{
			"STANDARD":            0.023,
			"INTELLIGENT_TIERING": 0.023,
			"STANDARD_IA":         0.0125,
			"ONEZONE_IA":          0.01,
			"GLACIER_IR":          0.004,
			"GLACIER":             0.0036,
			"DEEP_ARCHIVE":        0.00099,
		},
	}
}

// LoadPriceTable reads a YAML (or JSON) price table.
func LoadPriceTable(path string) (PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PriceTable{}, fmt.Errorf("read price table: %w", err)
	}
	var pt PriceTable
	if err := yaml.Unmarshal(data, &pt); err != nil {
		return PriceTable{}, fmt.Errorf("parse price table: %w", err)
	}
	if len(pt.PerGBMonth) == 0 {
		return PriceTable{}, fmt.Errorf("price table %s has no prices", path)
	}
	return pt, nil
}

const bytesPerGB = 1024 * 1024 * 1024

// MonthlyCost returns the cost in microdollars of storing totalBytes for a
// month in class, rounded to the nearest microdollar. Negative totals cost
// nothing.
func (pt PriceTable) MonthlyCost(totalBytes int64, class string) (uint64, error) {
	price, ok := pt.PerGBMonth[strings.ToUpper(class)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	if totalBytes <= 0 {
		return 0, nil
	}
	gb := float64(totalBytes) / bytesPerGB
	return uint64(math.Round(gb * price * 1_000_000)), nil
}

// FormatCost formats microdollars with precision that suits the amount.
func FormatCost(microdollars uint64) string {
	dollars := float64(microdollars) / 1_000_000

	switch {
	case dollars < 0.01:
		return fmt.Sprintf("$%.6f", dollars)
	case dollars < 1:
		return fmt.Sprintf("$%.4f", dollars)
	case dollars < 100:
		return fmt.Sprintf("$%.2f", dollars)
	default:
		return fmt.Sprintf("$%.0f", dollars)
	}
}
