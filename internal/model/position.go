package model

import "time"

// PriceSource records where a position's working valuation came from.
// Ordered from most to least trusted.
type PriceSource string

const (
	SourceLive     PriceSource = "live"     // recomputed from a stream tick
	SourceCache    PriceSource = "cache"    // fresh cache entry at reconcile time
	SourceSnapshot PriceSource = "snapshot" // price embedded in the polled record
	SourceEntry    PriceSource = "entry"    // nothing better, valued at entry
)

// Position is one open trade in the working set.
// Static fields come from the polled snapshot; valuation fields are mutated
// in place by recomputation.
type Position struct {
	ID           string          `json:"id"`
	Token        string          `json:"token,omitempty"`
	Symbol       string          `json:"symbol,omitempty"`
	Class        InstrumentClass `json:"instrument_class"`
	Side         Side            `json:"side"`
	EntryPrice   float64         `json:"entry_price"` // home currency
	Lots         float64         `json:"lots"`
	ContractSize float64         `json:"contract_size"`
	Quantity     float64         `json:"quantity"`    // lots × contract size
	Brokerage    float64         `json:"brokerage"`   // home currency, fixed at open
	MarginUsed   float64         `json:"margin_used"` // home currency
	OpenedAt     time.Time       `json:"opened_at"`

	// QuoteRatio is the instrument's own home/foreign price ratio when the
	// backend provides one; HomePrice is its latest raw home-currency price.
	QuoteRatio float64 `json:"quote_ratio,omitempty"`
	HomePrice  float64 `json:"home_price,omitempty"`

	CurrentPrice float64     `json:"current_price"`
	PL           float64     `json:"pl"`
	PLForeign    *float64    `json:"pl_foreign,omitempty"`
	Margin       float64     `json:"margin"`
	AwaitingRate bool        `json:"awaiting_rate"`
	Stale        bool        `json:"stale"`
	Source       PriceSource `json:"source"`
	PriceAt      time.Time   `json:"price_at"` // timestamp of the price used
	ValuedAt     time.Time   `json:"valued_at"`
}

// Key returns the instrument key used by the feeds and the cache:
// the token when present, otherwise the symbol.
func (p *Position) Key() string {
	if p.Token != "" {
		return p.Token
	}
	return p.Symbol
}

// Foreign reports whether the position is foreign-denominated.
func (p *Position) Foreign() bool {
	return p.Class.Foreign()
}

// SameTrade reports whether q describes the same open trade as p, i.e. a
// carried valuation for p is still meaningful for q.
func (p *Position) SameTrade(q *Position) bool {
	return p.Key() == q.Key() &&
		p.Side == q.Side &&
		p.Class == q.Class &&
		p.Quantity == q.Quantity &&
		p.EntryPrice == q.EntryPrice
}

// Result snapshots the current valuation state of the position.
func (p *Position) Result() ValuationResult {
	r := ValuationResult{
		Key:          p.Key(),
		PositionID:   p.ID,
		Class:        p.Class,
		Side:         p.Side,
		CurrentPrice: p.CurrentPrice,
		PL:           p.PL,
		Margin:       p.Margin,
		Brokerage:    p.Brokerage,
		AwaitingRate: p.AwaitingRate,
		Stale:        p.Stale,
		Source:       p.Source,
		ComputedAt:   p.ValuedAt,
	}
	if p.PLForeign != nil {
		v := *p.PLForeign
		r.PLForeign = &v
	}
	return r
}

// PositionRecord is one raw entry returned by the positions endpoint.
type PositionRecord struct {
	ID              string    `json:"id"`
	Token           string    `json:"token"`
	Symbol          string    `json:"symbol"`
	InstrumentClass string    `json:"instrument_class"`
	Side            string    `json:"side"`
	EntryPrice      FlexFloat `json:"entry_price"`
	Lots            FlexFloat `json:"lots"`
	LotSize         FlexFloat `json:"lot_size"`
	Quantity        FlexFloat `json:"quantity"`
	MarginUsed      FlexFloat `json:"margin_used"`
	Brokerage       FlexFloat `json:"brokerage"`
	CurrentPrice    FlexFloat `json:"current_price"`
	QuoteRatio      FlexFloat `json:"quote_ratio"`
	HomePrice       FlexFloat `json:"home_price"`
	PriceAt         FlexTime  `json:"price_at"`
	OpenedAt        FlexTime  `json:"opened_at"`
}
