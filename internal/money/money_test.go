package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRound(t *testing.T) {
	assert.Equal(t, 1.01, Round(1.005, 2))
	assert.Equal(t, -2.35, Round(-2.345, 2))
	assert.Equal(t, 1.08501, Round(1.085014, 5))
	assert.Equal(t, 230.0, Home(230.004))
}

func TestQuoteDecimals(t *testing.T) {
	assert.Equal(t, LowUnitQuotePlaces, QuoteDecimals("USDJPY", "JPY"))
	assert.Equal(t, LowUnitQuotePlaces, QuoteDecimals("eurjpy", "JPY"))
	assert.Equal(t, QuotePlaces, QuoteDecimals("EURUSD", "JPY"))
	assert.Equal(t, QuotePlaces, QuoteDecimals("USDJPY", ""))
}
