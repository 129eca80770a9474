// Package money holds the rounding rules shared by valuation and margin.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// HomePlaces is the precision of every home-currency amount.
	HomePlaces int32 = 2
	// ForeignMoneyPlaces is the precision of foreign-currency P/L.
	ForeignMoneyPlaces int32 = 2
	// QuotePlaces is the precision of foreign quotes.
	QuotePlaces int32 = 5
	// LowUnitQuotePlaces applies to pairs quoted in a low-unit currency.
	LowUnitQuotePlaces int32 = 3
)

// D converts a float into a decimal.
func D(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// Round rounds v half away from zero to the given places.
func Round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// Home rounds a home-currency amount.
func Home(v float64) float64 { return Round(v, HomePlaces) }

// QuoteDecimals returns the quote precision for a foreign symbol. Pairs whose
// quote currency is lowUnit (e.g. JPY) carry fewer decimals.
func QuoteDecimals(symbol, lowUnit string) int32 {
	if lowUnit != "" && strings.HasSuffix(strings.ToUpper(symbol), strings.ToUpper(lowUnit)) {
		return LowUnitQuotePlaces
	}
	return QuotePlaces
}
