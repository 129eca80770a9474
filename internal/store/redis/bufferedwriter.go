package redis

import (
	"context"
	"log"
	"time"

	"trading-valuation/internal/model"
)

// hold keeps the latest result per position for a later flush. The set is
// bounded by the number of open positions.
func (p *Publisher) hold(results []model.ValuationResult) {
	p.mu.Lock()
	for _, r := range results {
		if cur, ok := p.held[r.PositionID]; ok && cur.ComputedAt.After(r.ComputedAt) {
			continue
		}
		p.held[r.PositionID] = r
	}
	n := len(p.held)
	p.mu.Unlock()

	if p.OnHeld != nil {
		p.OnHeld(n)
	}
}

// forget drops held results superseded by a successful write.
func (p *Publisher) forget(results []model.ValuationResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.held) == 0 {
		return
	}
	for _, r := range results {
		if cur, ok := p.held[r.PositionID]; ok && !cur.ComputedAt.After(r.ComputedAt) {
			delete(p.held, r.PositionID)
		}
	}
}

// Pending returns the number of held results.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

// flushHeld writes all held results in one pipeline. On failure they are
// merged back unless a newer result arrived meanwhile.
func (p *Publisher) flushHeld() {
	p.mu.Lock()
	if len(p.held) == 0 {
		p.mu.Unlock()
		return
	}
	batch := make([]model.ValuationResult, 0, len(p.held))
	for _, r := range p.held {
		batch = append(batch, r)
	}
	p.held = make(map[string]model.ValuationResult)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.cb.Execute(func() error { return p.write(ctx, batch) }); err != nil {
		log.Printf("[redis] flush of %d held results failed: %v", len(batch), err)
		p.hold(batch)
		return
	}

	log.Printf("[redis] flushed %d held results", len(batch))
	if p.OnFlush != nil {
		p.OnFlush(len(batch))
	}
}
