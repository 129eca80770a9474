package portfolio

import (
	"errors"
	"fmt"
	"time"

	"trading-valuation/internal/model"
	"trading-valuation/internal/valuation"
)

var (
	ErrNoKey       = errors.New("portfolio: record has no token or symbol")
	ErrBadQuantity = errors.New("portfolio: record quantity must be positive")
	ErrBadEntry    = errors.New("portfolio: record entry price must be positive")
	ErrNotFinite   = errors.New("portfolio: record has a non-finite number")
)

// PriceLookup is the part of the market data cache the reconciler reads.
type PriceLookup interface {
	Get(key string) (model.Tick, bool)
	Horizon() time.Duration
}

// Reconciler merges polled snapshots into the Book without letting an older
// snapshot price overwrite a fresher live one.
type Reconciler struct {
	book   *Book
	engine *valuation.Engine
	now    func() time.Time

	// OnMalformed is called for each record dropped from a pass.
	OnMalformed func(rec model.PositionRecord, err error)

	// OnClosed is called for each position absent from the new snapshot,
	// with its last valuation.
	OnClosed func(pos *model.Position)
}

// NewReconciler creates a Reconciler over book.
func NewReconciler(book *Book, engine *valuation.Engine) *Reconciler {
	return &Reconciler{book: book, engine: engine, now: time.Now}
}

// WithClock replaces the clock. Used by tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Book returns the working set.
func (r *Reconciler) Book() *Book { return r.book }

// Reconcile builds the new working set from records. For each record the
// price comes from, in order: the valuation carried over from the previous
// pass, a fresh cache entry, the price embedded in the record, the entry
// price.
func (r *Reconciler) Reconcile(records []model.PositionRecord, prices PriceLookup, rate model.ExchangeRate) []*model.Position {
	now := r.now()
	next := make([]*model.Position, 0, len(records))
	seen := make(map[string]bool, len(records))

	for _, rec := range records {
		pos, err := FromRecord(rec)
		if err != nil {
			if r.OnMalformed != nil {
				r.OnMalformed(rec, err)
			}
			continue
		}
		if seen[pos.ID] {
			if r.OnMalformed != nil {
				r.OnMalformed(rec, fmt.Errorf("portfolio: duplicate position id %q", pos.ID))
			}
			continue
		}
		seen[pos.ID] = true

		prev, _ := r.book.Get(pos.ID)
		switch {
		case prev != nil && r.carry(prev, pos, rec, prices, now):
			pos.CurrentPrice = prev.CurrentPrice
			pos.PriceAt = prev.PriceAt
			pos.Source = prev.Source
			pos.Stale = prev.Stale
			pos.PL = prev.PL
			pos.Margin = prev.Margin
			if prev.PLForeign != nil {
				v := *prev.PLForeign
				pos.PLForeign = &v
			}
			r.engine.Recompute(pos, nil, rate)

		default:
			if tick, ok := prices.Get(pos.Key()); ok {
				r.engine.Recompute(pos, &tick, rate)
				pos.Source = model.SourceCache
			} else if rec.CurrentPrice > 0 {
				pos.CurrentPrice = float64(rec.CurrentPrice)
				pos.PriceAt = rec.PriceAt.Time
				pos.Source = model.SourceSnapshot
				r.engine.Recompute(pos, nil, rate)
			} else {
				pos.Source = model.SourceEntry
				if !pos.Foreign() {
					pos.CurrentPrice = pos.EntryPrice
				}
				r.engine.Recompute(pos, nil, rate)
			}
		}
		next = append(next, pos)
	}

	if r.OnClosed != nil {
		for _, old := range r.book.All() {
			if !seen[old.ID] {
				r.OnClosed(old)
			}
		}
	}

	r.book.Replace(next)
	return next
}

// carry reports whether prev's price should survive into next.
func (r *Reconciler) carry(prev, next *model.Position, rec model.PositionRecord, prices PriceLookup, now time.Time) bool {
	if !prev.SameTrade(next) {
		return false
	}
	if prev.Source != model.SourceLive && prev.Source != model.SourceCache {
		return false
	}
	if prev.PriceAt.IsZero() {
		return false
	}
	expired := now.Sub(prev.PriceAt) > prices.Horizon()
	superseded := rec.PriceAt.After(prev.PriceAt)
	return !(expired && superseded)
}

// FromRecord validates a raw record and builds a Position with its static
// fields. Valuation fields are left zero.
func FromRecord(rec model.PositionRecord) (*model.Position, error) {
	if rec.Token == "" && rec.Symbol == "" {
		return nil, ErrNoKey
	}
	class, err := model.ParseInstrumentClass(rec.InstrumentClass)
	if err != nil {
		return nil, fmt.Errorf("portfolio: %w", err)
	}
	side, err := model.ParseSide(rec.Side)
	if err != nil {
		return nil, fmt.Errorf("portfolio: %w", err)
	}
	for _, v := range []model.FlexFloat{
		rec.EntryPrice, rec.Quantity, rec.Lots, rec.LotSize, rec.Brokerage,
		rec.MarginUsed, rec.QuoteRatio, rec.HomePrice, rec.CurrentPrice,
	} {
		if !model.Finite(float64(v)) {
			return nil, ErrNotFinite
		}
	}
	entry := float64(rec.EntryPrice)
	if entry <= 0 {
		return nil, ErrBadEntry
	}

	lots := float64(rec.Lots)
	size := float64(rec.LotSize)
	qty := float64(rec.Quantity)
	switch {
	case qty <= 0 && lots > 0 && size > 0:
		qty = lots * size
	case qty <= 0 && lots > 0:
		qty, size = lots, 1
	}
	if qty <= 0 {
		return nil, ErrBadQuantity
	}
	if size <= 0 {
		if lots > 0 {
			size = qty / lots
		} else {
			size = 1
		}
	}
	if lots <= 0 {
		lots = qty / size
	}

	pos := &model.Position{
		ID:           rec.ID,
		Token:        rec.Token,
		Symbol:       rec.Symbol,
		Class:        class,
		Side:         side,
		EntryPrice:   entry,
		Lots:         lots,
		ContractSize: size,
		Quantity:     qty,
		Brokerage:    float64(rec.Brokerage),
		MarginUsed:   float64(rec.MarginUsed),
		QuoteRatio:   float64(rec.QuoteRatio),
		HomePrice:    float64(rec.HomePrice),
		OpenedAt:     rec.OpenedAt.Time,
	}
	if pos.ID == "" {
		pos.ID = pos.Key() + ":" + string(side)
	}
	return pos, nil
}
