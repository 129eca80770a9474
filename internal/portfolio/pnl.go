package portfolio

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-valuation/internal/model"
	"trading-valuation/internal/money"
)

// ClosedPosition is a position that left the snapshot, with the last P/L it
// was valued at.
type ClosedPosition struct {
	ID       string                `json:"id"`
	Key      string                `json:"key"`
	Class    model.InstrumentClass `json:"instrument_class"`
	Side     model.Side            `json:"side"`
	PL       float64               `json:"pl"`
	Source   model.PriceSource     `json:"source"`
	ClosedAt time.Time             `json:"closed_at"`
}

// Ledger tracks positions closed during the session and their last P/L.
type Ledger struct {
	mu       sync.RWMutex
	closed   []ClosedPosition
	realized decimal.Decimal
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		closed: make([]ClosedPosition, 0, 64),
	}
}

// RecordClose records pos as closed at its last valuation and returns the entry.
func (l *Ledger) RecordClose(pos *model.Position, at time.Time) ClosedPosition {
	c := ClosedPosition{
		ID:       pos.ID,
		Key:      pos.Key(),
		Class:    pos.Class,
		Side:     pos.Side,
		PL:       pos.PL,
		Source:   pos.Source,
		ClosedAt: at.UTC(),
	}

	l.mu.Lock()
	l.closed = append(l.closed, c)
	l.realized = l.realized.Add(money.D(pos.PL))
	l.mu.Unlock()
	return c
}

// Realized returns the summed last P/L of every closed position.
func (l *Ledger) Realized() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized.Round(money.HomePlaces).InexactFloat64()
}

// Closed returns a snapshot of all closed positions.
func (l *Ledger) Closed() []ClosedPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := make([]ClosedPosition, len(l.closed))
	copy(cp, l.closed)
	return cp
}

// PnLSummary combines session realized P/L with the open book.
type PnLSummary struct {
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	TotalPnL      float64 `json:"total_pnl"`
	ClosedCount   int     `json:"closed_count"`
	OpenPositions int     `json:"open_positions"`
}

// Summary returns the P/L summary given the current open results.
func (l *Ledger) Summary(open []model.ValuationResult) PnLSummary {
	unrealized := decimal.Zero
	for _, r := range open {
		unrealized = unrealized.Add(money.D(r.PL))
	}

	l.mu.RLock()
	realized := l.realized
	closed := len(l.closed)
	l.mu.RUnlock()

	return PnLSummary{
		RealizedPnL:   realized.Round(money.HomePlaces).InexactFloat64(),
		UnrealizedPnL: unrealized.Round(money.HomePlaces).InexactFloat64(),
		TotalPnL:      realized.Add(unrealized).Round(money.HomePlaces).InexactFloat64(),
		ClosedCount:   closed,
		OpenPositions: len(open),
	}
}
