// Package recon compares amounts reported at adjacent settlement stages
// against a basis-point tolerance band. A breach never self-heals; the state
// machine routes it to FLAGGED for operator review.
package recon

import "github.com/shopspring/decimal"

var bpsScale = decimal.NewFromInt(10000)

// Policy holds the tolerance, in basis points, for each comparison point.
// The bands absorb rounding and fee differences between counterparties.
type Policy struct {
	// ZARCreditBps bounds requested vs credited ZAR at deposit confirmation.
	ZARCreditBps int64
	// USDTReceiptBps bounds withdrawn vs received USDT at the destination.
	USDTReceiptBps int64
}

// Within reports whether actual matches expected within toleranceBps basis
// points of expected. The boundary is inclusive: a difference of exactly the
// tolerance passes, one unit beyond it fails. A zero expected amount only
// matches a zero actual amount.
func Within(expected, actual decimal.Decimal, toleranceBps int64) bool {
	diff := expected.Sub(actual).Abs()
	if expected.IsZero() {
		return diff.IsZero()
	}
	limit := expected.Abs().Mul(decimal.NewFromInt(toleranceBps))
	return diff.Mul(bpsScale).Cmp(limit) <= 0
}
