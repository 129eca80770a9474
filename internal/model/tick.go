package model

import "time"

// Currency tells which currency a tick is quoted in.
type Currency string

const (
	CurrencyHome    Currency = "home"
	CurrencyForeign Currency = "foreign"
)

// Tick is the canonical normalized price event produced from either feed.
// Key is the instrument token (domestic feed) or symbol (foreign feed).
type Tick struct {
	Key      string    `json:"key"`
	Bid      float64   `json:"bid"`
	Ask      float64   `json:"ask"`
	Last     float64   `json:"last"`
	Currency Currency  `json:"currency"`
	TS       time.Time `json:"ts"` // UTC
}

// Mid returns the bid/ask midpoint, or Last when the quote is one-sided.
func (t *Tick) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// PriceFor returns the price a position on the given side would be closed at:
// longs sell at the bid, shorts buy back at the ask. A non-positive side falls
// back to Last.
func (t *Tick) PriceFor(side Side) float64 {
	p := t.Bid
	if side == SideShort {
		p = t.Ask
	}
	if p <= 0 {
		p = t.Last
	}
	return p
}
