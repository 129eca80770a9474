// Package portfolio holds the working set of open positions and reconciles it
// against polled snapshots.
//
// The working set is owned by the engine loop: positions are mutated in place
// by recomputation on that goroutine only. The lock guards the set itself so
// readers on other goroutines can list or count positions.
package portfolio

import (
	"sort"
	"sync"

	"trading-valuation/internal/model"
)

// Book is the current set of open positions.
type Book struct {
	mu    sync.RWMutex
	byID  map[string]*model.Position
	byKey map[string][]*model.Position
	order []string
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{
		byID:  make(map[string]*model.Position),
		byKey: make(map[string][]*model.Position),
	}
}

// Replace swaps the whole working set. Order of ps is preserved by All.
func (b *Book) Replace(ps []*model.Position) {
	byID := make(map[string]*model.Position, len(ps))
	byKey := make(map[string][]*model.Position, len(ps))
	order := make([]string, 0, len(ps))
	for _, p := range ps {
		if _, dup := byID[p.ID]; dup {
			continue
		}
		byID[p.ID] = p
		byKey[p.Key()] = append(byKey[p.Key()], p)
		order = append(order, p.ID)
	}

	b.mu.Lock()
	b.byID, b.byKey, b.order = byID, byKey, order
	b.mu.Unlock()
}

// Get returns the position with the given ID.
func (b *Book) Get(id string) (*model.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.byID[id]
	return p, ok
}

// ByKey returns every position on the given instrument key.
func (b *Book) ByKey(key string) []*model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*model.Position(nil), b.byKey[key]...)
}

// All returns every position in snapshot order.
func (b *Book) All() []*model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*model.Position, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.byID[id])
	}
	return out
}

// Foreign returns every foreign-denominated position.
func (b *Book) Foreign() []*model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*model.Position
	for _, id := range b.order {
		if p := b.byID[id]; p.Foreign() {
			out = append(out, p)
		}
	}
	return out
}

// Keys returns the sorted instrument keys quoted by the given feed.
func (b *Book) Keys(kind model.StreamKind) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.byKey))
	for k, ps := range b.byKey {
		if len(ps) > 0 && ps[0].Class.Stream() == kind {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// MarkStale flags every position quoted by the given feed and returns them.
func (b *Book) MarkStale(kind model.StreamKind) []*model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*model.Position
	for _, id := range b.order {
		p := b.byID[id]
		if p.Class.Stream() == kind {
			p.Stale = true
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of open positions.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

// Results snapshots the valuation of every position.
func (b *Book) Results() []model.ValuationResult {
	ps := b.All()
	out := make([]model.ValuationResult, len(ps))
	for i, p := range ps {
		out[i] = p.Result()
	}
	return out
}
