package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// CurrencyPlaces returns the number of minor-unit digits for an ISO 4217 currency.
func CurrencyPlaces(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return 0
	}
	return 2
}

// MinorUnits converts a major-unit amount into the integer amount payment gateways expect.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(CurrencyPlaces(currency)).Round(0).IntPart()
}
