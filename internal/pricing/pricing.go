// Package pricing turns a cart's lines and discount into a totals breakdown.
// ComputeTotals is pure and is re-invoked on every cart read; totals are
// never cached anywhere in the engine, which rules out drift between the
// lines and the displayed or charged amounts.
package pricing

import (
	"github.com/shopspring/decimal"

	"smartretail/pos/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// ComputeTotals computes subtotal, tax, discount and the final rounded
// total for the given lines under the given discount policy.
//
// A discount larger than subtotal+tax clamps the total to zero and records a
// warning on the breakdown instead of going negative; silently clamping
// would hide under-charging bugs at the terminal.
func ComputeTotals(lines []domain.CartLine, discount domain.Discount) domain.Totals {
	subtotal := decimal.Zero
	taxTotal := decimal.Zero
	for _, line := range lines {
		qty := decimal.NewFromInt(int64(line.Quantity))
		lineAmount := line.UnitPrice.Mul(qty)
		subtotal = subtotal.Add(lineAmount)
		taxTotal = taxTotal.Add(lineAmount.Mul(line.TaxRatePercent).Div(hundred))
	}

	discountTotal := discountAmount(subtotal, discount)

	totals := domain.Totals{
		Subtotal:      subtotal,
		TaxTotal:      taxTotal,
		DiscountTotal: discountTotal,
	}

	total := subtotal.Add(taxTotal).Sub(discountTotal)
	if total.IsNegative() {
		total = decimal.Zero
		totals.Warnings = append(totals.Warnings, domain.WarningDiscountExceedsTotal)
	}
	totals.Total = domain.Round2(total)

	return totals
}

// discountAmount resolves the active policy. The policy comes from cart
// state; a zero-value Discount behaves as a flat discount of zero.
func discountAmount(subtotal decimal.Decimal, discount domain.Discount) decimal.Decimal {
	switch discount.Policy {
	case domain.DiscountPercent:
		return subtotal.Mul(discount.Value).Div(hundred)
	default:
		return discount.Value
	}
}
