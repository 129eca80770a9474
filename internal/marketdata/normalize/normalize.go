// Package normalize converts raw feed frames into canonical model.Tick values.
//
// Two wire shapes are understood. Domestic frames are flat objects keyed by
// instrument token:
//
//	{"token":"2885","last_traded_price":2450.5,"best_bid_price":0,"best_ask_price":0,"exchange_timestamp":1700000000000}
//
// Foreign frames carry a symbol and nested quote levels:
//
//	{"symbol":"EURUSD","levels":{"bids":[{"price":"1.0850"}],"asks":[{"price":"1.0852"}]},"ts":1700000000000}
//
// Everything here is pure; callers decide what to do with rejected frames.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"trading-valuation/internal/model"
)

var (
	ErrNotJSON    = errors.New("normalize: frame is not a JSON object")
	ErrMissingKey = errors.New("normalize: frame has no instrument key")
	ErrNoQuote    = errors.New("normalize: frame has no usable price")
)

// Normalize converts one JSON object into a Tick for the given feed.
// The frame must already be a single JSON object (see ExtractJSON).
func Normalize(raw []byte, kind model.StreamKind) (model.Tick, error) {
	return normalizeAt(raw, kind, time.Now().UTC())
}

func normalizeAt(raw []byte, kind model.StreamKind, now time.Time) (model.Tick, error) {
	var msg map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil || msg == nil {
		return model.Tick{}, ErrNotJSON
	}

	var (
		tick model.Tick
		err  error
	)
	if kind == model.StreamForeign {
		tick, err = parseForeign(msg)
	} else {
		tick, err = parseDomestic(msg)
	}
	if err != nil {
		return model.Tick{}, err
	}
	if tick.TS.IsZero() {
		tick.TS = now
	}
	return tick, nil
}

// parseDomestic handles token-keyed instrument ticks. A literal zero on
// either side is not a valid two-sided quote in this feed, so last price is
// substituted.
func parseDomestic(msg map[string]interface{}) (model.Tick, error) {
	token := model.ToString(first(msg, "token", "tk"))
	if token == "" {
		return model.Tick{}, ErrMissingKey
	}

	last := model.ToFloat(first(msg, "last_traded_price", "ltp", "lp"))
	bid := model.ToFloat(first(msg, "best_bid_price", "bid", "bp1"))
	ask := model.ToFloat(first(msg, "best_ask_price", "ask", "sp1"))

	if bid == 0 {
		bid = last
	}
	if ask == 0 {
		ask = last
	}
	if last <= 0 && bid > 0 && ask > 0 {
		last = (bid + ask) / 2
	}
	if last <= 0 && bid <= 0 && ask <= 0 {
		return model.Tick{}, ErrNoQuote
	}

	return model.Tick{
		Key:      token,
		Bid:      bid,
		Ask:      ask,
		Last:     last,
		Currency: model.CurrencyHome,
		TS:       model.ToTime(first(msg, "exchange_timestamp", "ts", "ft")),
	}, nil
}

// parseForeign handles symbol-keyed FX ticks with nested quote levels.
func parseForeign(msg map[string]interface{}) (model.Tick, error) {
	symbol := model.ToString(first(msg, "symbol", "instrument", "s"))
	if symbol == "" {
		return model.Tick{}, ErrMissingKey
	}

	var bid, ask float64
	if levels, ok := msg["levels"].(map[string]interface{}); ok {
		bid = bestLevel(levels["bids"])
		ask = bestLevel(levels["asks"])
	} else {
		bid = bestLevel(msg["bids"])
		ask = bestLevel(msg["asks"])
	}
	if bid <= 0 && ask <= 0 {
		return model.Tick{}, ErrNoQuote
	}
	if bid <= 0 {
		bid = ask
	}
	if ask <= 0 {
		ask = bid
	}

	last := model.ToFloat(first(msg, "last", "price"))
	if last <= 0 {
		last = (bid + ask) / 2
	}

	return model.Tick{
		Key:      symbol,
		Bid:      bid,
		Ask:      ask,
		Last:     last,
		Currency: model.CurrencyForeign,
		TS:       model.ToTime(first(msg, "ts", "time", "timestamp")),
	}, nil
}

// bestLevel returns the price of the first level in a quote-levels array.
// Levels may be objects ({"price": ...}) or [price, size] pairs.
func bestLevel(v interface{}) float64 {
	levels, ok := v.([]interface{})
	if !ok || len(levels) == 0 {
		return 0
	}
	switch lvl := levels[0].(type) {
	case map[string]interface{}:
		return model.ToFloat(first(lvl, "price", "p", "px"))
	case []interface{}:
		if len(lvl) > 0 {
			return model.ToFloat(lvl[0])
		}
	}
	return 0
}

// first returns the value of the first key present in msg.
func first(msg map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := msg[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
