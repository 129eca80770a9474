package model

import (
	"encoding/json"
	"time"
)

// ExchangeRate converts one unit of the foreign currency into home currency.
// Conversion must not be attempted while Reliable is false.
type ExchangeRate struct {
	Value     float64   `json:"value"`
	Reliable  bool      `json:"reliable"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Usable reports whether the rate may be used for conversion.
func (r ExchangeRate) Usable() bool {
	return r.Reliable && r.Value > 0
}

// ValuationResult is the per-position output handed to presentation.
type ValuationResult struct {
	Key          string          `json:"key"`
	PositionID   string          `json:"position_id"`
	Class        InstrumentClass `json:"instrument_class"`
	Side         Side            `json:"side"`
	CurrentPrice float64         `json:"current_price"`
	PL           float64         `json:"pl"`
	PLForeign    *float64        `json:"pl_foreign,omitempty"`
	Margin       float64         `json:"margin"`
	Brokerage    float64         `json:"brokerage"`
	AwaitingRate bool            `json:"awaiting_rate"`
	Stale        bool            `json:"stale"`
	Source       PriceSource     `json:"source"`
	ComputedAt   time.Time       `json:"computed_at"`
}

// JSON returns the JSON-encoded result (ignoring errors for hot-path usage).
func (r *ValuationResult) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}
