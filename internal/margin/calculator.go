// Package margin computes required margin and brokerage per position from an
// explicit, hot-swappable rule set.
package margin

import (
	"math"
	"regexp"
	"strings"
	"sync"

	"trading-valuation/internal/model"
	"trading-valuation/internal/money"
)

// Mode is how a configured margin value is applied.
type Mode int

const (
	ModeLeverage Mode = iota // value divides the position's home exposure
	ModePerLot               // value is a fixed home amount per lot
)

func (m Mode) String() string {
	if m == ModePerLot {
		return "per-lot"
	}
	return "leverage"
}

// ModeFor classifies a configured margin value.
func ModeFor(value float64) Mode {
	if value > PerLotThreshold {
		return ModePerLot
	}
	return ModeLeverage
}

// Calculator applies Rules. Safe for concurrent use.
type Calculator struct {
	mu    sync.RWMutex
	rules Rules
}

// New creates a Calculator with the given rules.
func New(r Rules) *Calculator {
	return &Calculator{rules: r}
}

// SetRules replaces the active rule set.
func (c *Calculator) SetRules(r Rules) {
	c.mu.Lock()
	c.rules = r
	c.mu.Unlock()
}

// Margin returns the home-currency margin required to hold pos at price.
// price is in the instrument's quote currency; rate is only consulted for
// foreign positions without an instrument-specific quote ratio.
func (c *Calculator) Margin(pos *model.Position, price float64, rate model.ExchangeRate) float64 {
	c.mu.RLock()
	value := c.rules.Margin[pos.Class]
	c.mu.RUnlock()

	if price <= 0 && !pos.Foreign() {
		price = pos.EntryPrice
	}

	if ModeFor(value) == ModePerLot {
		return money.Home(pos.Lots * value)
	}
	divisor := value
	if divisor <= 0 {
		divisor = DefaultDivisor
	}

	if !pos.Foreign() {
		return money.Home(price * pos.Quantity / divisor)
	}
	return money.Home(pos.Quantity * homeUnitPrice(pos, price, rate) / divisor)
}

// MarginWithoutRate returns the margin for pos when it does not depend on
// the shared reference rate: per-lot rules, domestic positions, and foreign
// positions carrying their own quote ratio or home price. ok is false when
// only the reference rate could convert the position.
func (c *Calculator) MarginWithoutRate(pos *model.Position, price float64) (m float64, ok bool) {
	c.mu.RLock()
	value := c.rules.Margin[pos.Class]
	c.mu.RUnlock()

	switch {
	case ModeFor(value) == ModePerLot, !pos.Foreign():
	case pos.QuoteRatio > 0 && price > 0:
	case pos.HomePrice > 0:
	default:
		return 0, false
	}
	return c.Margin(pos, price, model.ExchangeRate{}), true
}

// homeUnitPrice converts one unit of a foreign instrument into home currency.
// Preference: the instrument's own quote ratio, then the shared reference
// rate, then the raw home price from the backend, then the entry price.
func homeUnitPrice(pos *model.Position, price float64, rate model.ExchangeRate) float64 {
	switch {
	case pos.QuoteRatio > 0 && price > 0:
		return price * pos.QuoteRatio
	case rate.Usable() && price > 0:
		return price * rate.Value
	case pos.HomePrice > 0:
		return pos.HomePrice
	default:
		return pos.EntryPrice
	}
}

// Brokerage returns the home-currency brokerage charged for pos. Never zero:
// when no rule yields more than 0.01 the per-lot minimum applies.
func (c *Calculator) Brokerage(pos *model.Position) float64 {
	c.mu.RLock()
	br := c.rules.Brokerage
	c.mu.RUnlock()

	var fee float64
	if pos.Foreign() {
		fee = pos.Lots * br.ForeignPerLot[pos.Class]
	} else {
		sym := pos.Symbol
		if sym == "" {
			sym = pos.Token
		}
		if v, ok := br.PerLot[Canonical(sym, br.Aliases)]; ok {
			fee = pos.Lots * v
		} else if v, ok := br.PerNotional[pos.Class]; ok {
			unit := br.NotionalUnit
			if unit <= 0 {
				unit = DefaultNotionalUnit
			}
			fee = pos.EntryPrice * pos.Quantity / unit * v
		}
	}

	if fee <= 0.01 {
		min := br.MinPerLot
		if min <= 0 {
			min = DefaultMinPerLot
		}
		fee = math.Max(pos.Lots, 1) * min
	}
	return money.Home(fee)
}

var derivativeSuffix = regexp.MustCompile(`^([A-Z&]+?)\d{2}(?:[A-Z]{3}|\d{3})[0-9.]*(?:FUT|CE|PE)$`)

// Canonical reduces a trading symbol to its underlying name:
// "NSE:NIFTY24JAN21500CE" and "nifty50" both become "NIFTY".
func Canonical(symbol string, aliases map[string]string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(s, "-EQ")
	if m := derivativeSuffix.FindStringSubmatch(s); m != nil {
		s = m[1]
	} else {
		s = strings.TrimSuffix(s, "FUT")
	}
	if a, ok := aliases[s]; ok {
		return a
	}
	return s
}
