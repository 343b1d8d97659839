package recon

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestWithin(t *testing.T) {
	cases := []struct {
		name      string
		expected  string
		actual    string
		tolerance int64
		want      bool
	}{
		{"exact match", "10000.00", "10000.00", 50, true},
		{"inside band", "10000.00", "9990.00", 50, true},
		{"exactly on boundary", "10000.00", "9950.00", 50, true},
		{"one cent beyond boundary", "10000.00", "9949.99", 50, false},
		{"over-credit on boundary", "10000.00", "10050.00", 50, true},
		{"over-credit beyond boundary", "10000.00", "10050.01", 50, false},
		{"gross mismatch", "524.18", "500.00", 50, false},
		{"small usdt inside band", "524.18", "524.00", 50, true},
		{"zero tolerance exact", "100", "100", 0, true},
		{"zero tolerance off by least unit", "100", "99.999999", 0, false},
		{"zero expected zero actual", "0", "0", 50, true},
		{"zero expected nonzero actual", "0", "0.01", 50, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Within(d(tc.expected), d(tc.actual), tc.tolerance)
			if got != tc.want {
				t.Errorf("Within(%s, %s, %d) = %v, want %v",
					tc.expected, tc.actual, tc.tolerance, got, tc.want)
			}
		})
	}
}
