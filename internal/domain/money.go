package domain

import "github.com/shopspring/decimal"

// Round2 rounds a currency amount half-up to two decimal places. All charged
// and reported totals go through this before leaving the engine.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
