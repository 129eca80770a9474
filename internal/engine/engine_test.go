package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"trading-valuation/internal/margin"
	"trading-valuation/internal/marketdata/cache"
	"trading-valuation/internal/metrics"
	"trading-valuation/internal/model"
	"trading-valuation/internal/notification"
	"trading-valuation/internal/valuation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type interestRecorder struct {
	mu   sync.Mutex
	keys map[model.StreamKind][]string
}

func (r *interestRecorder) Subscribe(kind model.StreamKind, keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[kind] = keys
	return nil
}

func (r *interestRecorder) get(kind model.StreamKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[kind]
}

type fakeRates struct {
	mu  sync.Mutex
	cur model.ExchangeRate
	ch  chan model.ExchangeRate
}

func (f *fakeRates) Current() model.ExchangeRate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

func (f *fakeRates) Changes() <-chan model.ExchangeRate { return f.ch }

func (f *fakeRates) set(r model.ExchangeRate) {
	f.mu.Lock()
	f.cur = r
	f.mu.Unlock()
	f.ch <- r
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (a *alertRecorder) Send(_ context.Context, al notification.Alert) error {
	a.mu.Lock()
	a.alerts = append(a.alerts, al)
	a.mu.Unlock()
	return nil
}

func (a *alertRecorder) titles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.alerts))
	for i, al := range a.alerts {
		out[i] = al.Title
	}
	return out
}

// droppingPublisher records the position histories it was told to forget.
type droppingPublisher struct {
	*ChanPublisher
	mu  sync.Mutex
	ids []string
}

func (d *droppingPublisher) Drop(positionID string) {
	d.mu.Lock()
	d.ids = append(d.ids, positionID)
	d.mu.Unlock()
}

func (d *droppingPublisher) dropped() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type harness struct {
	eng       *Engine
	pub       *ChanPublisher
	drops     *droppingPublisher
	streams   *interestRecorder
	rates     *fakeRates
	alerts    *alertRecorder
	metrics   *metrics.Metrics
	events    chan model.StreamEvent
	snapshots chan []model.PositionRecord
}

func start(t *testing.T) *harness {
	t.Helper()
	return startWith(t, Config{CoalesceInterval: 20 * time.Millisecond})
}

func startWith(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		pub:       NewChanPublisher(64),
		streams:   &interestRecorder{keys: make(map[model.StreamKind][]string)},
		rates:     &fakeRates{cur: model.ExchangeRate{Value: 80, Reliable: true, UpdatedAt: time.Now()}, ch: make(chan model.ExchangeRate, 1)},
		alerts:    &alertRecorder{},
		metrics:   metrics.New(prometheus.NewRegistry()),
		events:    make(chan model.StreamEvent, 16),
		snapshots: make(chan []model.PositionRecord, 1),
	}
	h.drops = &droppingPublisher{ChanPublisher: h.pub}
	h.eng = New(cfg, Deps{
		Streams:   h.streams,
		Rates:     h.rates,
		Cache:     cache.New(30 * time.Second),
		Valuer:    valuation.New(margin.New(margin.DefaultRules()), "JPY"),
		Publisher: h.drops,
		Notifier:  h.alerts,
		Metrics:   h.metrics,
		Health:    metrics.NewHealthStatus(time.Second, model.StreamDomestic, model.StreamForeign),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.eng.Run(ctx, h.events, h.snapshots)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) next(t *testing.T) map[string]model.ValuationResult {
	t.Helper()
	select {
	case batch := <-h.pub.Results():
		out := make(map[string]model.ValuationResult, len(batch))
		for _, r := range batch {
			out[r.PositionID] = r
		}
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for results")
		return nil
	}
}

func records() []model.PositionRecord {
	return []model.PositionRecord{
		{ID: "d1", Token: "2885", InstrumentClass: "EQ", Side: "BUY", EntryPrice: 100, Lots: 1, LotSize: 50, Brokerage: 20},
		{ID: "f1", Symbol: "EURUSD", InstrumentClass: "FOREX", Side: "BUY", EntryPrice: 86.4, Lots: 1, LotSize: 1000, Brokerage: 15},
	}
}

func tick(kind model.StreamKind, key string, bid, ask float64) model.StreamEvent {
	now := time.Now().UTC()
	return model.StreamEvent{
		Kind: kind,
		Type: model.EventTick,
		Tick: model.Tick{Key: key, Bid: bid, Ask: ask, Last: bid, TS: now},
		At:   now,
	}
}

func TestEngine_SnapshotSubscribesAndPublishes(t *testing.T) {
	h := start(t)
	h.snapshots <- records()

	res := h.next(t)
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if res["d1"].Source != model.SourceEntry || res["d1"].PL != 0 {
		t.Errorf("expected entry valuation for d1, got %+v", res["d1"])
	}
	if got := h.streams.get(model.StreamDomestic); len(got) != 1 || got[0] != "2885" {
		t.Errorf("unexpected domestic interest %v", got)
	}
	if got := h.streams.get(model.StreamForeign); len(got) != 1 || got[0] != "EURUSD" {
		t.Errorf("unexpected foreign interest %v", got)
	}
	if h.pub.Dropped() != 0 {
		t.Errorf("expected no dropped publishes, got %d", h.pub.Dropped())
	}
}

func TestEngine_DomesticTickRecomputesImmediately(t *testing.T) {
	h := start(t)
	h.snapshots <- records()
	h.next(t)

	h.events <- tick(model.StreamDomestic, "2885", 105, 105.5)
	res := h.next(t)
	d1, ok := res["d1"]
	if !ok || len(res) != 1 {
		t.Fatalf("expected only d1, got %+v", res)
	}
	if d1.PL != 230 || d1.Source != model.SourceLive {
		t.Errorf("expected live P/L 230, got %+v", d1)
	}
	if testutil.ToFloat64(h.metrics.RecomputeTotal) < 1 {
		t.Error("expected recompute counted")
	}
}

func TestEngine_ForeignTicksAreCoalesced(t *testing.T) {
	h := startWith(t, Config{CoalesceInterval: 200 * time.Millisecond})
	h.snapshots <- records()
	h.next(t)

	for _, bid := range []float64{1.081, 1.083, 1.085, 1.087, 1.09} {
		h.events <- tick(model.StreamForeign, "EURUSD", bid, bid+0.0002)
	}

	res := h.next(t)
	f1, ok := res["f1"]
	if !ok || len(res) != 1 {
		t.Fatalf("unexpected batch %+v", res)
	}
	if f1.CurrentPrice != 1.09 || f1.PL != 785 {
		t.Errorf("expected last tick applied with P/L 785, got %v/%v", f1.CurrentPrice, f1.PL)
	}
	if got := testutil.ToFloat64(h.metrics.RecomputeTotal); got != 1 {
		t.Errorf("expected exactly one recomputation for the burst, got %v", got)
	}

	select {
	case batch := <-h.pub.Results():
		t.Errorf("unexpected second batch %+v", batch)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEngine_RateLossFreezesForeign(t *testing.T) {
	h := start(t)
	h.snapshots <- records()
	h.next(t)
	h.events <- tick(model.StreamForeign, "EURUSD", 1.09, 1.0902)
	before := h.next(t)["f1"]

	h.rates.set(model.ExchangeRate{Value: 80, Reliable: false})
	res := h.next(t)
	f1 := res["f1"]
	if !f1.AwaitingRate {
		t.Error("expected awaiting rate")
	}
	if f1.PL != before.PL || f1.CurrentPrice != before.CurrentPrice {
		t.Errorf("expected frozen values %v/%v, got %v/%v", before.PL, before.CurrentPrice, f1.PL, f1.CurrentPrice)
	}
	if _, ok := res["d1"]; ok {
		t.Error("domestic positions are not revalued on a rate change")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ts := h.alerts.titles(); len(ts) == 1 && ts[0] == "Conversion rate unreliable" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("expected one unreliable-rate alert, got %v", h.alerts.titles())
}

func TestEngine_DisconnectMarksStale(t *testing.T) {
	h := start(t)
	h.snapshots <- records()
	h.next(t)

	h.events <- model.StreamEvent{Kind: model.StreamDomestic, Type: model.EventStatus, Status: model.StatusDisconnected, At: time.Now()}

	select {
	case ev := <-h.pub.Status():
		if ev.Kind != model.StreamDomestic || ev.Status != model.StatusDisconnected {
			t.Errorf("unexpected status %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status not republished")
	}
	res := h.next(t)
	if !res["d1"].Stale {
		t.Error("expected d1 stale")
	}
	if _, ok := res["f1"]; ok {
		t.Error("foreign position must not be marked stale by the domestic feed")
	}

	h.events <- tick(model.StreamDomestic, "2885", 101, 101)
	if h.next(t)["d1"].Stale {
		t.Error("a live tick clears the stale flag")
	}
}

func TestEngine_ClosedPositionsReachLedger(t *testing.T) {
	h := start(t)
	h.snapshots <- records()
	h.next(t)
	h.events <- tick(model.StreamDomestic, "2885", 105, 105)
	h.next(t)

	h.snapshots <- records()[1:]
	res := h.next(t)
	if _, ok := res["d1"]; ok || len(res) != 1 {
		t.Fatalf("expected only f1 after close, got %+v", res)
	}
	if got := h.eng.Ledger().Realized(); got != 230 {
		t.Errorf("expected realized 230, got %v", got)
	}
	if got := h.streams.get(model.StreamDomestic); len(got) != 0 {
		t.Errorf("expected empty domestic interest, got %v", got)
	}
	if got := h.drops.dropped(); len(got) != 1 || got[0] != "d1" {
		t.Errorf("expected publisher told to drop d1, got %v", got)
	}
}
