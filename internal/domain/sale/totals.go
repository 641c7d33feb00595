package sale

import "github.com/shopspring/decimal"

// DefaultTaxRate is the GST rate applied when none is configured.
var DefaultTaxRate = decimal.RequireFromString("0.18")

var hundred = decimal.NewFromInt(100)

// Totals are the sale-level amounts derived from line items.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// ComputeTotals derives sale totals from items. It is a pure function of
// its inputs and does not depend on item order:
//
//	subtotal = sum(item.TotalPrice)
//	tax      = subtotal * taxRate
//	total    = subtotal + tax
//
// Discount is the sum of per-unit discounts times quantity and is
// informational only; it is already reflected in each item's TotalPrice.
func ComputeTotals(items []LineItem, taxRate decimal.Decimal) Totals {
	subtotal := decimal.Zero
	discount := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.TotalPrice)
		discount = discount.Add(it.Discount.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	tax := subtotal.Mul(taxRate)
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Total:    subtotal.Add(tax),
	}
}

// LineTotal returns (unitPrice - discount) * qty.
func LineTotal(unitPrice, discount decimal.Decimal, qty int) decimal.Decimal {
	return unitPrice.Sub(discount).Mul(decimal.NewFromInt(int64(qty)))
}

// ClampDiscount bounds a per-unit discount to [0, unitPrice] so a line
// total can never go negative.
func ClampDiscount(discount, unitPrice decimal.Decimal) decimal.Decimal {
	switch {
	case discount.IsNegative():
		return decimal.Zero
	case discount.GreaterThan(unitPrice):
		return unitPrice
	default:
		return discount
	}
}

// DiscountFromPercent converts a 0..100 percentage into the absolute
// per-unit discount the engine works with. Out-of-range percentages are
// clamped.
func DiscountFromPercent(unitPrice, percent decimal.Decimal) decimal.Decimal {
	if percent.IsNegative() {
		percent = decimal.Zero
	}
	if percent.GreaterThan(hundred) {
		percent = hundred
	}
	return unitPrice.Mul(percent).Div(hundred)
}
