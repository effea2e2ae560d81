// Package numeric centralises the fixed-point rounding policy for stock quantities, rates and amounts.
package numeric

import "github.com/shopspring/decimal"

const (
	// QtyPlaces is the scale kept for quantities (kg, pcs).
	QtyPlaces int32 = 3
	// AmountPlaces is the scale kept for monetary amounts.
	AmountPlaces int32 = 3
	// RatePlaces is the scale used when a rate is displayed or stored.
	RatePlaces int32 = 4

	divPrecision int32 = 16
)

// Epsilon is the tolerance used when comparing derived balances.
var Epsilon = decimal.New(1, -AmountPlaces)

// Qty rounds half-up to QtyPlaces.
func Qty(d decimal.Decimal) decimal.Decimal {
	return d.Round(QtyPlaces)
}

// Amount rounds half-up to AmountPlaces.
func Amount(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountPlaces)
}

// Rate rounds half-up to RatePlaces.
func Rate(d decimal.Decimal) decimal.Decimal {
	return d.Round(RatePlaces)
}

// Div divides with extended precision and returns zero when the divisor is zero.
func Div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.DivRound(b, divPrecision)
}

// RateOf returns the rounded unit rate for amount spread over qty.
func RateOf(amount, qty decimal.Decimal) decimal.Decimal {
	return Rate(Div(amount, qty))
}

// Near reports whether a and b differ by less than Epsilon.
func Near(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(Epsilon)
}
