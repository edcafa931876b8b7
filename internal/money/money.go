// Package money converts between display amounts and integer
// smallest-unit amounts and computes fees.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"

	"medex/internal/domain"
)

// exponents maps a currency to its smallest-unit exponent. Zero-decimal
// currencies carry no fractional unit. Unlisted currencies default to 2.
var exponents = map[domain.Currency]int32{
	domain.XOF: 0,
	domain.NGN: 2,
	domain.GHS: 2,
	domain.USD: 2,
	domain.EUR: 2,
}

// Exponent returns the smallest-unit exponent for a currency.
func Exponent(currency domain.Currency) (int32, bool) {
	exp, ok := exponents[currency]
	return exp, ok
}

// Supported reports whether the currency is known to the system.
func Supported(currency domain.Currency) bool {
	_, ok := exponents[currency]
	return ok
}

// ToSmallestUnit converts a display amount to the integer smallest unit,
// rounding half-up at the final decimal place rather than truncating.
func ToSmallestUnit(display decimal.Decimal, currency domain.Currency) (int64, error) {
	exp, ok := exponents[currency]
	if !ok {
		return 0, fmt.Errorf("unknown currency %q", currency)
	}
	return display.Shift(exp).Round(0).IntPart(), nil
}

// FromSmallestUnit converts an integer smallest-unit amount back to its
// display representation.
func FromSmallestUnit(amount int64, currency domain.Currency) (decimal.Decimal, error) {
	exp, ok := exponents[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown currency %q", currency)
	}
	return decimal.NewFromInt(amount).Shift(-exp), nil
}

// FormatForDisplay renders a smallest-unit amount as "123.45 USD".
func FormatForDisplay(amount int64, currency domain.Currency) string {
	exp, ok := exponents[currency]
	if !ok {
		exp = 2
	}
	d := decimal.NewFromInt(amount).Shift(-exp)
	return fmt.Sprintf("%s %s", d.StringFixed(exp), currency)
}

// ValidationError describes why an amount was rejected.
type ValidationError struct {
	Field  string
	Rule   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Rule, e.Detail)
}

// ValidateAmount checks a smallest-unit amount against currency support and
// inclusive min/max bounds.
func ValidateAmount(amount int64, currency domain.Currency, min, max int64) *ValidationError {
	if !Supported(currency) {
		return &ValidationError{Field: "currency", Rule: "supported", Detail: string(currency)}
	}
	if amount <= 0 {
		return &ValidationError{Field: "amount", Rule: "positive", Detail: fmt.Sprintf("%d", amount)}
	}
	if min > 0 && amount < min {
		return &ValidationError{Field: "amount", Rule: "min", Detail: fmt.Sprintf("%d < %d", amount, min)}
	}
	if max > 0 && amount > max {
		return &ValidationError{Field: "amount", Rule: "max", Detail: fmt.Sprintf("%d > %d", amount, max)}
	}
	return nil
}

// CalculateFee computes a percentage fee on a smallest-unit amount, rounded
// half-up, and bounded by cap when cap > 0.
func CalculateFee(amount int64, feePercent float64, cap int64) int64 {
	fee := decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(feePercent)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
	if cap > 0 && fee > cap {
		return cap
	}
	return fee
}
