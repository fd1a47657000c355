package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnits maps supported ISO 4217 codes to their number of decimal places.
var minorUnits = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"JOD": 3,
	"KWD": 3,
	"HKD": 2,
	"JPY": 0,
}

// NormalizeCurrency upper-cases and validates a currency code.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if _, ok := minorUnits[c]; !ok {
		return "", ErrInvalidCurrency
	}
	return c, nil
}

// Scale returns the fixed number of decimal places for the currency.
func Scale(currency string) int32 {
	if s, ok := minorUnits[currency]; ok {
		return s
	}
	return 2
}

// ValidateAmount checks that amount is strictly positive and expressible in the
// currency's minor units without rounding.
func ValidateAmount(amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(Scale(currency))) {
		return ErrInvalidAmount
	}
	return nil
}

// FormatAmount renders amount with the currency's fixed scale.
func FormatAmount(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(Scale(currency))
}
