// Package rate maintains the reference foreign-to-home conversion rate.
//
// The rate is refreshed on a timer. A failed refresh keeps the last good
// value; the rate only turns unreliable once that value ages past MaxAge.
package rate

import (
	"context"
	"log"
	"sync"
	"time"

	"trading-valuation/internal/model"
)

// Config controls refresh cadence and reliability.
type Config struct {
	// Refresh is the polling period. Defaults to 5 minutes.
	Refresh time.Duration

	// MaxAge is how old the last good value may be and still be reliable.
	// Defaults to 15 minutes.
	MaxAge time.Duration
}

func (c *Config) defaults() {
	if c.Refresh <= 0 {
		c.Refresh = 5 * time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 15 * time.Minute
	}
}

// Manager owns the current ExchangeRate.
type Manager struct {
	cfg    Config
	source model.RateSource
	store  model.RateStore
	now    func() time.Time

	mu      sync.RWMutex
	current model.ExchangeRate

	changes chan model.ExchangeRate

	// Optional hooks for metrics and alerting.
	OnRefresh     func(ok bool)
	OnReliability func(reliable bool)
}

// NewManager creates a Manager. store may be nil.
func NewManager(cfg Config, source model.RateSource, store model.RateStore) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:     cfg,
		source:  source,
		store:   store,
		now:     time.Now,
		changes: make(chan model.ExchangeRate, 1),
	}
}

// WithClock replaces the clock. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Current returns the rate with reliability evaluated against MaxAge now.
func (m *Manager) Current() model.ExchangeRate {
	m.mu.RLock()
	r := m.current
	m.mu.RUnlock()
	r.Reliable = m.reliable(r)
	return r
}

// Changes delivers the rate after every change in value or reliability.
// Only the latest change is kept if the reader falls behind.
func (m *Manager) Changes() <-chan model.ExchangeRate {
	return m.changes
}

// Start restores the persisted value, refreshes once immediately and then
// on every tick of the refresh period. Blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.Restore(ctx)
	m.Refresh(ctx)

	ticker := time.NewTicker(m.cfg.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Restore loads the last persisted rate, if any.
func (m *Manager) Restore(ctx context.Context) {
	if m.store == nil {
		return
	}
	r, err := m.store.LoadRate(ctx)
	if err != nil {
		log.Printf("[rate] restore failed: %v", err)
		return
	}
	if r.Value <= 0 {
		return
	}
	m.set(r)
	log.Printf("[rate] restored %.4f from %s (reliable=%v)", r.Value, r.UpdatedAt.Format(time.RFC3339), m.Current().Reliable)
}

// Refresh fetches the rate once. Returns true on success.
func (m *Manager) Refresh(ctx context.Context) bool {
	v, err := m.source.FetchRate(ctx)
	if err == nil && v <= 0 {
		err = errNonPositive
	}
	if err != nil {
		log.Printf("[rate] refresh failed: %v", err)
		if m.OnRefresh != nil {
			m.OnRefresh(false)
		}
		// Value unchanged, but reliability may have lapsed.
		m.mu.RLock()
		r := m.current
		m.mu.RUnlock()
		m.set(r)
		return false
	}

	r := model.ExchangeRate{Value: v, Reliable: true, UpdatedAt: m.now().UTC()}
	if m.store != nil {
		if err := m.store.SaveRate(ctx, r); err != nil {
			log.Printf("[rate] persist failed: %v", err)
		}
	}
	if m.OnRefresh != nil {
		m.OnRefresh(true)
	}
	m.set(r)
	return true
}

// set stores r and notifies on any change visible to consumers.
func (m *Manager) set(r model.ExchangeRate) {
	r.Reliable = m.reliable(r)

	m.mu.Lock()
	prev := m.current
	m.current = r
	m.mu.Unlock()

	if prev.Value == r.Value && prev.Reliable == r.Reliable && prev.UpdatedAt.Equal(r.UpdatedAt) {
		return
	}
	if prev.Reliable != r.Reliable && m.OnReliability != nil {
		m.OnReliability(r.Reliable)
	}

	// Latest wins: replace an unread change.
	select {
	case m.changes <- r:
	default:
		select {
		case <-m.changes:
		default:
		}
		select {
		case m.changes <- r:
		default:
		}
	}
}

func (m *Manager) reliable(r model.ExchangeRate) bool {
	if r.Value <= 0 || r.UpdatedAt.IsZero() {
		return false
	}
	return m.now().Sub(r.UpdatedAt) <= m.cfg.MaxAge
}
