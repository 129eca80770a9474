// Package valuation recomputes unrealized P/L and margin for open positions.
//
// Longs are valued at the bid and shorts at the ask. Foreign-denominated
// positions are valued in their quote currency and converted to home currency
// with a single rate value captured per recomputation; while the rate is not
// usable they are flagged AwaitingRate and keep their previous figures.
package valuation

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-valuation/internal/margin"
	"trading-valuation/internal/model"
	"trading-valuation/internal/money"
)

// Engine applies price ticks to positions. It holds no per-position state
// and is safe for concurrent use as long as each position is mutated by one
// goroutine at a time.
type Engine struct {
	calc    *margin.Calculator
	lowUnit string
	now     func() time.Time
}

// New creates an Engine. lowUnit is the quote currency whose pairs use fewer
// decimals (e.g. "JPY").
func New(calc *margin.Calculator, lowUnit string) *Engine {
	return &Engine{calc: calc, lowUnit: lowUnit, now: time.Now}
}

// WithClock replaces the clock. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Recompute values pos at tick and returns the result. A nil tick re-values
// at the position's previous price, or at entry if it has none.
func (e *Engine) Recompute(pos *model.Position, tick *model.Tick, rate model.ExchangeRate) model.ValuationResult {
	now := e.now().UTC()

	if pos.Brokerage <= 0 {
		pos.Brokerage = e.calc.Brokerage(pos)
	}

	price, priceAt := pos.CurrentPrice, pos.PriceAt
	live := false
	if tick != nil {
		if p := tick.PriceFor(pos.Side); p > 0 {
			price, priceAt, live = p, tick.TS, true
		}
	}

	if pos.Foreign() {
		if !rate.Usable() {
			e.holdMargin(pos)
			pos.AwaitingRate = true
			pos.ValuedAt = now
			return pos.Result()
		}
		e.foreign(pos, price, rate)
	} else {
		e.domestic(pos, price)
	}

	if pos.MarginUsed > 0 {
		pos.Margin = pos.MarginUsed
	} else {
		pos.Margin = e.calc.Margin(pos, pos.CurrentPrice, rate)
	}
	pos.AwaitingRate = false
	pos.ValuedAt = now
	switch {
	case live:
		pos.PriceAt = priceAt
		pos.Source = model.SourceLive
		pos.Stale = false
	case pos.Source == "" || pos.Source == model.SourceEntry:
		// Nothing has priced the position yet.
		pos.Source = model.SourceEntry
		pos.PL = 0
		if pos.PLForeign != nil {
			zero := 0.0
			pos.PLForeign = &zero
		}
	}
	return pos.Result()
}

// holdMargin refreshes the margin of a foreign position awaiting a rate
// from whatever does not need the rate. Otherwise the previous margin stays.
func (e *Engine) holdMargin(pos *model.Position) {
	if pos.MarginUsed > 0 {
		pos.Margin = pos.MarginUsed
		return
	}
	if m, ok := e.calc.MarginWithoutRate(pos, pos.CurrentPrice); ok {
		pos.Margin = m
	}
}

func (e *Engine) domestic(pos *model.Position, price float64) {
	if price <= 0 {
		price = pos.EntryPrice
	}
	cur := money.D(price).Round(money.HomePlaces)
	entry := money.D(pos.EntryPrice)
	qty := money.D(pos.Quantity)

	gross := cur.Sub(entry).Mul(qty)
	if pos.Side == model.SideShort {
		gross = gross.Neg()
	}

	pos.CurrentPrice = cur.InexactFloat64()
	pos.PL = gross.Sub(money.D(pos.Brokerage)).Round(money.HomePlaces).InexactFloat64()
	pos.PLForeign = nil
}

// foreign converts entry into the quote currency, computes P/L there and
// converts back with the same rate value.
func (e *Engine) foreign(pos *model.Position, price float64, rate model.ExchangeRate) {
	places := money.QuoteDecimals(pos.Symbol, e.lowUnit)
	r := money.D(rate.Value)

	entryF := money.D(pos.EntryPrice).DivRound(r, places)
	cur := entryF
	if price > 0 {
		cur = money.D(price).Round(places)
	}
	qty := money.D(pos.Quantity)

	grossF := cur.Sub(entryF).Mul(qty)
	if pos.Side == model.SideShort {
		grossF = grossF.Neg()
	}
	brokerage := money.D(pos.Brokerage)

	plF := grossF.Sub(brokerage.DivRound(r, 8)).Round(money.ForeignMoneyPlaces).InexactFloat64()
	pl := grossF.Mul(r).Sub(brokerage).Round(money.HomePlaces)

	pos.CurrentPrice = cur.InexactFloat64()
	pos.PL = pl.InexactFloat64()
	pos.PLForeign = &plF
}

// Exposure returns the absolute home-currency notional of pos at its current
// price, or zero while a foreign position awaits a rate.
func Exposure(pos *model.Position, rate model.ExchangeRate) float64 {
	v := money.D(pos.CurrentPrice).Mul(money.D(pos.Quantity))
	if pos.Foreign() {
		if !rate.Usable() {
			return 0
		}
		v = v.Mul(money.D(rate.Value))
	}
	return v.Abs().Round(money.HomePlaces).InexactFloat64()
}

// Totals aggregates a set of results.
type Totals struct {
	PL           float64 `json:"pl"`
	Margin       float64 `json:"margin"`
	Brokerage    float64 `json:"brokerage"`
	Positions    int     `json:"positions"`
	AwaitingRate int     `json:"awaiting_rate"`
	Stale        int     `json:"stale"`
}

// Sum totals results. Positions awaiting a rate are counted but contribute
// their last known figures.
func Sum(results []model.ValuationResult) Totals {
	pl, mg, br := decimal.Zero, decimal.Zero, decimal.Zero
	t := Totals{Positions: len(results)}
	for _, r := range results {
		pl = pl.Add(money.D(r.PL))
		mg = mg.Add(money.D(r.Margin))
		br = br.Add(money.D(r.Brokerage))
		if r.AwaitingRate {
			t.AwaitingRate++
		}
		if r.Stale {
			t.Stale++
		}
	}
	t.PL = pl.Round(money.HomePlaces).InexactFloat64()
	t.Margin = mg.Round(money.HomePlaces).InexactFloat64()
	t.Brokerage = br.Round(money.HomePlaces).InexactFloat64()
	return t
}
