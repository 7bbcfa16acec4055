package gateway

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies without a minor unit. Amounts are sent to the processor as-is.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {},
	"MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {},
	"XOF": {}, "XPF": {},
}

// Currencies with three decimal places.
var threeDecimalCurrencies = map[string]struct{}{
	"BHD": {}, "JOD": {}, "KWD": {}, "OMR": {}, "TND": {},
}

// CurrencyExponent returns the number of minor-unit digits for an ISO 4217
// code. Unknown three-letter codes default to two.
func CurrencyExponent(currency string) (int32, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if len(code) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	if _, ok := zeroDecimalCurrencies[code]; ok {
		return 0, nil
	}
	if _, ok := threeDecimalCurrencies[code]; ok {
		return 3, nil
	}
	return 2, nil
}

// ToMinorUnits converts a major-unit amount into the currency's minor units.
// The conversion is exact: 19.99 USD is 1999 and 500 JPY is 500. Amounts
// with more precision than the currency allows are rejected.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	exp, err := CurrencyExponent(currency)
	if err != nil {
		return 0, err
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", ErrInexactAmount, amount)
	}

	minor := amount.Shift(exp)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s %s", ErrInexactAmount, amount, strings.ToUpper(currency))
	}
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s overflows", ErrInexactAmount, amount)
	}
	return minor.IntPart(), nil
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64, currency string) (decimal.Decimal, error) {
	exp, err := CurrencyExponent(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(minor, -exp), nil
}
