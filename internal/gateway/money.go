package gateway

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies the card processors bill in whole units.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true,
	"XPF": true,
}

func minorExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// ToMinor converts a major-unit amount to the provider's integer unit
// (cents, kobo), rounding half away from zero.
func ToMinor(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(minorExponent(currency)).Round(0).IntPart()
}

// FromMinor is the inverse of ToMinor.
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -minorExponent(currency))
}
