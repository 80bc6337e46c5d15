package discount

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Amount returns the monetary discount d grants on cart, rounded to cents and
// clamped to [0, cart total]. Unknown discount types grant nothing.
func Amount(d *Discount, cart Cart) decimal.Decimal {
	total := cart.TotalAmount
	if !total.IsPositive() {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch d.DiscountType {
	case TypeFixed:
		amount = decimal.Min(d.Value, total)
	case TypePercentage:
		amount = total.Mul(d.Value).Div(hundred)
	default:
		return decimal.Zero
	}

	amount = amount.Round(2)
	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(total) {
		return total
	}
	return amount
}
