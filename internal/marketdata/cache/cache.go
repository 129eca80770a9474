// Package cache holds the most recent normalized tick per instrument key.
// Entries outlive the feeds that produced them; readers decide freshness
// through the staleness horizon.
package cache

import (
	"sync"
	"time"

	"trading-valuation/internal/model"
)

// DefaultHorizon is how long an entry stays fresh.
const DefaultHorizon = 30 * time.Second

// Entry is one cached tick and when it was stored.
type Entry struct {
	Tick     model.Tick
	StoredAt time.Time
}

// Cache maps instrument key to its latest tick.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	horizon time.Duration
	now     func() time.Time
}

// New creates a Cache. A zero horizon uses DefaultHorizon.
func New(horizon time.Duration) *Cache {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Cache{
		entries: make(map[string]Entry),
		horizon: horizon,
		now:     time.Now,
	}
}

// WithClock replaces the clock. Used by tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Horizon returns the staleness horizon.
func (c *Cache) Horizon() time.Duration { return c.horizon }

// Put stores t under key, overwriting unconditionally.
func (c *Cache) Put(key string, t model.Tick) {
	c.mu.Lock()
	c.entries[key] = Entry{Tick: t, StoredAt: c.now()}
	c.mu.Unlock()
}

// Get returns the tick for key if present and not older than the horizon.
func (c *Cache) Get(key string) (model.Tick, bool) {
	e, ok := c.Entry(key)
	if !ok || c.now().Sub(e.StoredAt) > c.horizon {
		return model.Tick{}, false
	}
	return e.Tick, true
}

// Entry returns the raw entry regardless of age.
func (c *Cache) Entry(key string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	return e, ok
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.StoredAt) > c.horizon {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached keys, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
