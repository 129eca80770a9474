// Package engine runs the single event loop that owns the working set.
//
// Every input (stream events, coalesced foreign batches, polled snapshots,
// rate changes, timers) is handled on one goroutine, so positions are only
// ever mutated there and ticks for a key are applied in arrival order.
package engine

import (
	"context"
	"log"
	"log/slog"
	"time"

	"trading-valuation/internal/logger"
	"trading-valuation/internal/marketdata/cache"
	"trading-valuation/internal/marketdata/coalesce"
	"trading-valuation/internal/metrics"
	"trading-valuation/internal/model"
	"trading-valuation/internal/notification"
	"trading-valuation/internal/portfolio"
	"trading-valuation/internal/valuation"
)

// Subscriber updates the interest set of a feed.
type Subscriber interface {
	Subscribe(kind model.StreamKind, keys []string) error
}

// RateProvider is the part of the rate manager the loop reads.
type RateProvider interface {
	Current() model.ExchangeRate
	Changes() <-chan model.ExchangeRate
}

// Config tunes the loop timers.
type Config struct {
	// CoalesceInterval is the foreign batching window. Defaults to 150ms.
	CoalesceInterval time.Duration

	// SweepInterval is how often expired cache entries are removed.
	// Defaults to 10s.
	SweepInterval time.Duration

	// ReportInterval is how often totals are exported and risk limits
	// evaluated. Defaults to 5s.
	ReportInterval time.Duration

	// ForeignBuffer is the coalescer input buffer. Defaults to 1024.
	ForeignBuffer int

	Risk portfolio.RiskLimits
}

func (c *Config) defaults() {
	if c.CoalesceInterval <= 0 {
		c.CoalesceInterval = coalesce.DefaultInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 5 * time.Second
	}
	if c.ForeignBuffer <= 0 {
		c.ForeignBuffer = 1024
	}
}

// Deps are the collaborators of the loop. Notifier may be nil.
type Deps struct {
	Streams   Subscriber
	Rates     RateProvider
	Cache     *cache.Cache
	Valuer    *valuation.Engine
	Publisher model.ResultPublisher
	Notifier  notification.Notifier
	Metrics   *metrics.Metrics
	Health    *metrics.HealthStatus
}

// positionDropper is implemented by publishers keeping per-position state.
type positionDropper interface {
	Drop(positionID string)
}

// Engine is the orchestrating event loop.
type Engine struct {
	cfg  Config
	deps Deps

	book       *portfolio.Book
	reconciler *portfolio.Reconciler
	ledger     *portfolio.Ledger
	risk       *portfolio.RiskWatch
	coalescer  *coalesce.Coalescer

	rateSeen     bool
	rateReliable bool
	malformed    int
}

// New wires an Engine.
func New(cfg Config, deps Deps) *Engine {
	cfg.defaults()
	if deps.Notifier == nil {
		deps.Notifier = notification.NewLogNotifier()
	}

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		book:      portfolio.NewBook(),
		ledger:    portfolio.NewLedger(),
		risk:      portfolio.NewRiskWatch(cfg.Risk),
		coalescer: coalesce.New(cfg.CoalesceInterval),
	}
	e.reconciler = portfolio.NewReconciler(e.book, deps.Valuer)
	e.reconciler.OnMalformed = func(rec model.PositionRecord, err error) {
		e.malformed++
		deps.Metrics.MalformedRecords.Inc()
		slog.Debug("[engine] dropped record", "id", rec.ID, "err", err)
	}
	e.reconciler.OnClosed = func(pos *model.Position) {
		c := e.ledger.RecordClose(pos, time.Now())
		deps.Metrics.PositionsClosed.Inc()
		log.Printf("[engine] position %s (%s) closed at P/L %.2f", c.ID, c.Key, c.PL)
		if d, ok := deps.Publisher.(positionDropper); ok {
			d.Drop(pos.ID)
		}
	}
	e.coalescer.OnFlush = func(batchSize, coalesced int) {
		deps.Metrics.CoalesceBatchSize.Observe(float64(batchSize))
		deps.Metrics.CoalescedTicks.Add(float64(coalesced))
	}
	return e
}

// Book returns the working set.
func (e *Engine) Book() *portfolio.Book { return e.book }

// Ledger returns the closed-position ledger.
func (e *Engine) Ledger() *portfolio.Ledger { return e.ledger }

// Risk returns the risk watch.
func (e *Engine) Risk() *portfolio.RiskWatch { return e.risk }

// Run processes inputs until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, events <-chan model.StreamEvent, snapshots <-chan []model.PositionRecord) {
	foreignIn := make(chan model.Tick, e.cfg.ForeignBuffer)
	batches := make(chan []model.Tick, 1)
	go e.coalescer.Run(ctx, foreignIn, batches)

	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()
	report := time.NewTicker(e.cfg.ReportInterval)
	defer report.Stop()

	e.observeRate(e.deps.Rates.Current())
	log.Printf("[engine] started (coalesce=%v sweep=%v)", e.cfg.CoalesceInterval, e.cfg.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			// Let the coalescer finish its final flush and close.
			if batches != nil {
				for range batches {
				}
			}
			sum := e.ledger.Summary(e.book.Results())
			slog.Info("[engine] stopped",
				"open", sum.OpenPositions,
				"closed", sum.ClosedCount,
				"realized", sum.RealizedPnL,
				"unrealized", sum.UnrealizedPnL,
				"breached", e.risk.GetStatus()["breached"],
			)
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.handleEvent(ctx, ev, foreignIn)

		case batch, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			e.handleBatch(ctx, batch)

		case recs, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			e.handleSnapshot(ctx, recs)

		case r := <-e.deps.Rates.Changes():
			e.handleRate(ctx, r)

		case <-sweep.C:
			n := e.deps.Cache.Sweep()
			e.deps.Metrics.CacheEvicted.Add(float64(n))
			e.deps.Metrics.CacheEntries.Set(float64(e.deps.Cache.Len()))

		case <-report.C:
			e.report(ctx)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev model.StreamEvent, foreignIn chan<- model.Tick) {
	switch ev.Type {
	case model.EventTick:
		tick := ev.Tick
		e.deps.Cache.Put(tick.Key, tick)
		e.deps.Health.SetLastTickTime(ev.At)

		if ev.Kind == model.StreamForeign {
			select {
			case foreignIn <- tick:
			default:
				// The cache already holds the tick; the next one supersedes it.
				e.deps.Metrics.FanoutDropsTotal.WithLabelValues("coalescer").Inc()
			}
			return
		}
		e.publish(ctx, e.recomputeKey(ev.Kind, &tick))

	case model.EventStatus:
		connected := ev.Status == model.StatusConnected
		e.deps.Health.SetFeedConnected(ev.Kind, connected)
		if connected {
			e.deps.Metrics.FeedConnected.WithLabelValues(string(ev.Kind)).Set(1)
		} else {
			e.deps.Metrics.FeedConnected.WithLabelValues(string(ev.Kind)).Set(0)
		}

		status := model.StatusEvent{Kind: ev.Kind, Status: ev.Status, At: ev.At}
		if err := e.deps.Publisher.PublishStatus(ctx, status); err != nil {
			log.Printf("[engine] publish status: %v", err)
		}
		if connected {
			return
		}

		stale := e.book.MarkStale(ev.Kind)
		results := make([]model.ValuationResult, len(stale))
		for i, p := range stale {
			results[i] = p.Result()
		}
		if len(stale) > 0 {
			log.Printf("[engine] %s feed down, %d positions stale", ev.Kind, len(stale))
		}
		e.publish(ctx, results)
	}
}

// recomputeKey revalues every position of the given feed on tick.Key.
func (e *Engine) recomputeKey(kind model.StreamKind, tick *model.Tick) []model.ValuationResult {
	ps := e.book.ByKey(tick.Key)
	if len(ps) == 0 {
		return nil
	}
	rate := e.deps.Rates.Current()
	out := make([]model.ValuationResult, 0, len(ps))
	for _, p := range ps {
		if p.Class.Stream() != kind {
			continue
		}
		out = append(out, e.recompute(p, tick, rate))
	}
	return out
}

func (e *Engine) recompute(p *model.Position, tick *model.Tick, rate model.ExchangeRate) model.ValuationResult {
	start := time.Now()
	res := e.deps.Valuer.Recompute(p, tick, rate)
	e.deps.Metrics.RecomputeDur.Observe(time.Since(start).Seconds())
	e.deps.Metrics.RecomputeTotal.Inc()
	return res
}

func (e *Engine) handleBatch(ctx context.Context, batch []model.Tick) {
	var results []model.ValuationResult
	for i := range batch {
		results = append(results, e.recomputeKey(model.StreamForeign, &batch[i])...)
	}
	e.publish(ctx, results)
}

func (e *Engine) handleSnapshot(ctx context.Context, recs []model.PositionRecord) {
	ctx = logger.WithTraceID(ctx, logger.NewTraceID("reconcile"))
	start := time.Now()
	e.malformed = 0

	positions := e.reconciler.Reconcile(recs, e.deps.Cache, e.deps.Rates.Current())

	for _, kind := range []model.StreamKind{model.StreamDomestic, model.StreamForeign} {
		if err := e.deps.Streams.Subscribe(kind, e.book.Keys(kind)); err != nil {
			slog.Warn("[engine] update interest failed", append([]any{"kind", kind, "err", err}, logger.LogWithTrace(ctx)...)...)
		}
	}

	e.deps.Health.SetPolled(time.Now(), len(positions))
	e.deps.Metrics.OpenPositions.Set(float64(len(positions)))
	e.publish(ctx, e.book.Results())

	slog.Info("[engine] reconciled", append([]any{
		"records", len(recs),
		"positions", len(positions),
		"malformed", e.malformed,
		"took", time.Since(start),
	}, logger.LogWithTrace(ctx)...)...)
}

func (e *Engine) handleRate(ctx context.Context, r model.ExchangeRate) {
	e.observeRate(r)

	ps := e.book.Foreign()
	if len(ps) == 0 {
		return
	}
	results := make([]model.ValuationResult, 0, len(ps))
	for _, p := range ps {
		if tick, ok := e.deps.Cache.Get(p.Key()); ok {
			results = append(results, e.recompute(p, &tick, r))
		} else {
			results = append(results, e.recompute(p, nil, r))
		}
	}
	e.publish(ctx, results)
}

// observeRate exports the rate and alerts on reliability transitions.
func (e *Engine) observeRate(r model.ExchangeRate) {
	e.deps.Health.SetRate(r)
	e.deps.Metrics.RateValue.Set(r.Value)
	if r.Reliable {
		e.deps.Metrics.RateReliable.Set(1)
	} else {
		e.deps.Metrics.RateReliable.Set(0)
	}

	first := !e.rateSeen
	changed := r.Reliable != e.rateReliable
	e.rateSeen, e.rateReliable = true, r.Reliable
	if (first && !r.Reliable) || (!first && changed) {
		e.alert(notification.RateAlert(r))
	}
}

func (e *Engine) report(ctx context.Context) {
	results := e.book.Results()
	totals := valuation.Sum(results)

	rate := e.deps.Rates.Current()
	exposure := 0.0
	for _, p := range e.book.All() {
		exposure += valuation.Exposure(p, rate)
	}

	m := e.deps.Metrics
	m.TotalPL.Set(totals.PL)
	m.TotalMargin.Set(totals.Margin)
	m.AwaitingRate.Set(float64(totals.AwaitingRate))
	m.StalePositions.Set(float64(totals.Stale))
	m.OpenPositions.Set(float64(totals.Positions))

	for _, b := range e.risk.Check(totals, exposure) {
		if !b.Cleared {
			m.RiskBreachesTotal.WithLabelValues(b.Limit).Inc()
		}
		e.alert(notification.BreachAlert(b))
	}
}

func (e *Engine) publish(ctx context.Context, results []model.ValuationResult) {
	if len(results) == 0 {
		return
	}
	start := time.Now()
	err := e.deps.Publisher.PublishValuations(ctx, results)
	e.deps.Metrics.PublishDur.Observe(time.Since(start).Seconds())
	if err != nil {
		e.deps.Metrics.PublishErrors.Inc()
		log.Printf("[engine] publish %d results: %v", len(results), err)
	}
}

// alert sends off the loop so a slow webhook never delays valuation.
func (e *Engine) alert(a notification.Alert) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.deps.Notifier.Send(ctx, a); err != nil {
			log.Printf("[engine] alert %q not delivered: %v", a.Title, err)
		}
	}()
}
