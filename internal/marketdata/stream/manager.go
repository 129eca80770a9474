package stream

import (
	"context"
	"fmt"
	"log"
	"sync"

	"trading-valuation/internal/marketdata/bus"
	"trading-valuation/internal/model"
)

// Manager owns the domestic and foreign feeds and the fan-out their events
// are delivered through.
type Manager struct {
	mu      sync.Mutex
	cfgs    map[model.StreamKind]Config
	feeds   map[model.StreamKind]*Feed
	runs    map[model.StreamKind]*feedRun
	pending map[model.StreamKind][]string

	fo    *bus.FanOut
	hooks Hooks
}

type feedRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager for the given feed configs.
// bufSize is the per-subscriber event buffer.
func NewManager(bufSize int, hooks Hooks, cfgs ...Config) *Manager {
	m := &Manager{
		cfgs:    make(map[model.StreamKind]Config, len(cfgs)),
		feeds:   make(map[model.StreamKind]*Feed),
		runs:    make(map[model.StreamKind]*feedRun),
		pending: make(map[model.StreamKind][]string),
		fo:      bus.New(bufSize),
		hooks:   hooks,
	}
	for _, c := range cfgs {
		m.cfgs[c.Kind] = c
	}
	// No listeners left means nobody needs prices.
	m.fo.OnEmpty = m.Close
	return m
}

// FanOut exposes the event fan-out for drop and saturation metrics.
func (m *Manager) FanOut() *bus.FanOut { return m.fo }

// Connect starts the feed of the given kind. No-op if already running.
func (m *Manager) Connect(ctx context.Context, kind model.StreamKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.runs[kind]; running {
		return nil
	}
	cfg, ok := m.cfgs[kind]
	if !ok {
		return fmt.Errorf("stream: connect: no config for feed %q", kind)
	}

	feed, ok := m.feeds[kind]
	if !ok {
		var err error
		feed, err = NewFeed(cfg, m.fo.Publish, m.hooks)
		if err != nil {
			return fmt.Errorf("stream: connect %s: %w", kind, err)
		}
		m.feeds[kind] = feed
	}
	if keys, ok := m.pending[kind]; ok {
		feed.SetInterest(keys)
	}

	rctx, cancel := context.WithCancel(ctx)
	run := &feedRun{cancel: cancel, done: make(chan struct{})}
	m.runs[kind] = run
	go func() {
		defer close(run.done)
		feed.Run(rctx)
	}()
	return nil
}

// Subscribe replaces the interest set of the given feed. The set is kept
// across reconnects and applied when the feed is connected later.
func (m *Manager) Subscribe(kind model.StreamKind, keys []string) error {
	m.mu.Lock()
	m.pending[kind] = append([]string(nil), keys...)
	feed := m.feeds[kind]
	m.mu.Unlock()

	if feed == nil {
		return nil
	}
	if err := feed.SetInterest(keys); err != nil {
		return fmt.Errorf("stream: subscribe %s: %w", kind, err)
	}
	return nil
}

// Listen returns a new subscription receiving events from every feed.
func (m *Manager) Listen() *bus.Subscription {
	return m.fo.Subscribe()
}

// Disconnect stops the feed of the given kind and cancels any pending
// reconnect. Blocks until the feed goroutine exits.
func (m *Manager) Disconnect(kind model.StreamKind) {
	m.mu.Lock()
	run, ok := m.runs[kind]
	delete(m.runs, kind)
	m.mu.Unlock()

	if !ok {
		return
	}
	run.cancel()
	<-run.done
	log.Printf("[stream:%s] stopped", kind)
}

// Close stops every running feed.
func (m *Manager) Close() {
	m.mu.Lock()
	kinds := make([]model.StreamKind, 0, len(m.runs))
	for k := range m.runs {
		kinds = append(kinds, k)
	}
	m.mu.Unlock()

	for _, k := range kinds {
		m.Disconnect(k)
	}
}

// State returns the state of the given feed.
func (m *Manager) State(kind model.StreamKind) State {
	m.mu.Lock()
	feed := m.feeds[kind]
	m.mu.Unlock()
	if feed == nil {
		return StateDisconnected
	}
	return feed.State()
}

// Running reports whether the feed goroutine of the given kind is active.
func (m *Manager) Running(kind model.StreamKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[kind]
	return ok
}
