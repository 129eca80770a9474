package normalize

import (
	"errors"
	"testing"
	"time"

	"trading-valuation/internal/model"
)

func TestNormalize_DomesticZeroBidAskUsesLast(t *testing.T) {
	raw := []byte(`{"token":"2885","last_traded_price":"105","best_bid_price":0,"best_ask_price":0,"exchange_timestamp":1700000000000}`)

	tick, err := Normalize(raw, model.StreamDomestic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.Key != "2885" {
		t.Errorf("expected key 2885, got %s", tick.Key)
	}
	if tick.Bid != 105 || tick.Ask != 105 || tick.Last != 105 {
		t.Errorf("expected 105/105/105, got %v/%v/%v", tick.Bid, tick.Ask, tick.Last)
	}
	if tick.Currency != model.CurrencyHome {
		t.Errorf("expected home currency, got %s", tick.Currency)
	}
	if !tick.TS.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("unexpected ts %v", tick.TS)
	}
}

func TestNormalize_DomesticNumericToken(t *testing.T) {
	raw := []byte(`{"token":2885,"last_traded_price":99.5,"best_bid_price":99.4,"best_ask_price":99.6}`)

	tick, err := Normalize(raw, model.StreamDomestic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.Key != "2885" {
		t.Errorf("expected key 2885, got %q", tick.Key)
	}
	if tick.Bid != 99.4 || tick.Ask != 99.6 {
		t.Errorf("expected 99.4/99.6, got %v/%v", tick.Bid, tick.Ask)
	}
	if tick.TS.IsZero() {
		t.Error("missing timestamp should default to receive time")
	}
}

func TestNormalize_DomesticRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"no token", `{"last_traded_price":100}`, ErrMissingKey},
		{"no price", `{"token":"1","last_traded_price":0}`, ErrNoQuote},
		{"negative", `{"token":"1","last_traded_price":-3}`, ErrNoQuote},
		{"non-finite", `{"token":"1","last_traded_price":"Inf","best_bid_price":"NaN","best_ask_price":"-Infinity"}`, ErrNoQuote},
		{"overflow", `{"token":"1","last_traded_price":1e400}`, ErrNoQuote},
		{"not json", `ack`, ErrNotJSON},
		{"string", `"ack"`, ErrNotJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize([]byte(tt.raw), model.StreamDomestic)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNormalize_ForeignLevels(t *testing.T) {
	raw := []byte(`{"symbol":"EURUSD","levels":{"bids":[{"price":"1.0850","size":"1000000"}],"asks":[{"price":1.0852,"size":500000}]},"ts":"2024-01-02T10:00:00Z"}`)

	tick, err := Normalize(raw, model.StreamForeign)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.Key != "EURUSD" {
		t.Errorf("expected EURUSD, got %s", tick.Key)
	}
	if tick.Bid != 1.0850 || tick.Ask != 1.0852 {
		t.Errorf("expected 1.0850/1.0852, got %v/%v", tick.Bid, tick.Ask)
	}
	if tick.Last != (1.0850+1.0852)/2 {
		t.Errorf("expected mid as last, got %v", tick.Last)
	}
	if tick.Currency != model.CurrencyForeign {
		t.Errorf("expected foreign currency, got %s", tick.Currency)
	}
	if tick.TS.Year() != 2024 {
		t.Errorf("expected RFC3339 ts, got %v", tick.TS)
	}
}

func TestNormalize_ForeignOneSided(t *testing.T) {
	raw := []byte(`{"symbol":"XAUUSD","levels":{"bids":[],"asks":[[2050.5, 1]]}}`)

	tick, err := Normalize(raw, model.StreamForeign)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.Bid != 2050.5 || tick.Ask != 2050.5 {
		t.Errorf("expected one side used for both, got %v/%v", tick.Bid, tick.Ask)
	}
}

func TestNormalize_ForeignRejects(t *testing.T) {
	if _, err := Normalize([]byte(`{"levels":{"bids":[{"price":1}]}}`), model.StreamForeign); !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
	if _, err := Normalize([]byte(`{"symbol":"EURUSD","levels":{"bids":[{"price":0}],"asks":[{"price":-1}]}}`), model.StreamForeign); !errors.Is(err, ErrNoQuote) {
		t.Errorf("expected ErrNoQuote, got %v", err)
	}
}

func TestFrame_DropsNonFinitePrices(t *testing.T) {
	frame := []byte(`[{"token":"1","last_traded_price":"Inf","best_bid_price":"Inf","best_ask_price":"Inf"},` +
		`{"symbol":"EURUSD","levels":{"bids":[{"price":"NaN"}],"asks":[{"price":"Infinity"}]}},` +
		`{"token":"2","last_traded_price":20}]`)

	ticks, dropped := Frame(frame, model.StreamDomestic)
	if len(ticks) != 1 || ticks[0].Key != "2" {
		t.Fatalf("expected only token 2, got %+v", ticks)
	}
	if dropped != 2 {
		t.Errorf("expected 2 dropped objects, got %d", dropped)
	}

	if _, err := Normalize([]byte(`{"symbol":"EURUSD","levels":{"bids":[{"price":"NaN"}],"asks":[{"price":"Infinity"}]}}`), model.StreamForeign); !errors.Is(err, ErrNoQuote) {
		t.Errorf("expected ErrNoQuote, got %v", err)
	}
}

func TestExtractJSON_RecoversWrappedObject(t *testing.T) {
	frame := []byte(`garbage{"token":"1","note":"has } brace","last_traded_price":5}trailing`)

	obj, ok := ExtractJSON(frame)
	if !ok {
		t.Fatal("expected recovery")
	}
	tick, err := Normalize(obj, model.StreamDomestic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.Last != 5 {
		t.Errorf("expected last 5, got %v", tick.Last)
	}
}

func TestExtractJSON_DropsAckAndJunk(t *testing.T) {
	for _, f := range []string{"ack", `"subscribed"`, "", "{not json", "}{"} {
		if _, ok := ExtractJSON([]byte(f)); ok {
			t.Errorf("expected %q to be dropped", f)
		}
	}
}

func TestFrame_ExpandsArrays(t *testing.T) {
	frame := []byte(`[{"token":"1","last_traded_price":10},{"token":"2","last_traded_price":20},{"bad":true},7]`)

	ticks, dropped := Frame(frame, model.StreamDomestic)
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	if dropped != 1 {
		t.Errorf("expected 1 dropped object, got %d", dropped)
	}
	if ticks[0].Key != "1" || ticks[1].Key != "2" {
		t.Errorf("order not preserved: %s, %s", ticks[0].Key, ticks[1].Key)
	}
}
