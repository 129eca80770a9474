// Package stream maintains the live websocket price feeds.
//
// Each Feed owns one connection: it dials, transmits the current interest
// set, normalizes every frame into ticks and reconnects with backoff when
// the connection drops. Manager groups the domestic and foreign feeds behind
// a single event fan-out.
package stream

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"trading-valuation/internal/marketdata/normalize"
	"trading-valuation/internal/model"
)

// State is a feed's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds configuration for one feed.
type Config struct {
	Kind model.StreamKind

	// URL of the websocket endpoint, e.g. "wss://feed.example.com/ticks"
	URL string

	Header http.Header

	// HandshakeTimeout bounds a single dial. Defaults to 10s.
	HandshakeTimeout time.Duration

	// PingInterval is the heartbeat period. Defaults to 15s.
	PingInterval time.Duration

	// ReadTimeout is how long the connection may stay silent (no data,
	// no pong) before it is considered dead. Defaults to 60s.
	ReadTimeout time.Duration

	// Backoff schedule for reconnects. Defaults to NewBackoff().
	Backoff *Backoff

	// EncodeInterest renders the interest set into the message sent to the
	// server. nil means nothing is sent. Defaults to JoinInterest for the
	// domestic feed.
	EncodeInterest func(keys []string) []byte
}

func (c *Config) defaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.Backoff == nil {
		c.Backoff = NewBackoff()
	}
	if c.EncodeInterest == nil && c.Kind == model.StreamDomestic {
		c.EncodeInterest = JoinInterest
	}
}

// JoinInterest renders keys as "k1#k2#...". Keys must already be sorted.
func JoinInterest(keys []string) []byte {
	return []byte(strings.Join(keys, "#"))
}

// Hooks are optional metrics callbacks.
type Hooks struct {
	OnReconnect    func(kind model.StreamKind)
	OnStatus       func(kind model.StreamKind, status model.StreamStatus)
	OnFrameDropped func(kind model.StreamKind, n int)
	OnTick         func(kind model.StreamKind)
}

// publishFunc hands one event to subscribers.
type publishFunc func(ctx context.Context, ev model.StreamEvent)

// Feed is one live websocket connection with reconnect.
type Feed struct {
	cfg     Config
	publish publishFunc
	hooks   Hooks
	dialer  *websocket.Dialer

	state atomic.Int32

	mu       sync.Mutex
	interest []string
	sent     string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

// NewFeed creates a feed. Returns an error if the URL is unparseable.
func NewFeed(cfg Config, publish publishFunc, hooks Hooks) (*Feed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("stream: url scheme must be ws or wss")
	}
	return &Feed{
		cfg:     cfg,
		publish: publish,
		hooks:   hooks,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, nil
}

// Kind returns which feed this is.
func (f *Feed) Kind() model.StreamKind { return f.cfg.Kind }

// State returns the current connection state.
func (f *Feed) State() State { return State(f.state.Load()) }

// SetInterest replaces the interest set. When connected the full set is
// transmitted; an identical set is not re-sent.
func (f *Feed) SetInterest(keys []string) error {
	f.mu.Lock()
	f.interest = normalizeKeys(keys)
	f.mu.Unlock()
	return f.flushInterest()
}

// flushInterest sends the interest set when connected and changed.
func (f *Feed) flushInterest() error {
	if f.cfg.EncodeInterest == nil {
		return nil
	}

	f.mu.Lock()
	conn := f.conn
	if conn == nil || f.State() != StateConnected {
		f.mu.Unlock()
		return nil
	}
	payload := f.cfg.EncodeInterest(f.interest)
	if string(payload) == f.sent || len(payload) == 0 {
		f.mu.Unlock()
		return nil
	}
	f.sent = string(payload)
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		f.mu.Lock()
		f.sent = ""
		f.mu.Unlock()
		return err
	}
	return nil
}

// Run connects and streams events until ctx is cancelled. Reconnects with
// backoff on every failure, including handshake timeouts.
func (f *Feed) Run(ctx context.Context) {
	kind := f.cfg.Kind
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := f.runOnce(ctx)
		if err == nil {
			// Context cancelled cleanly
			return
		}

		delay := f.cfg.Backoff.Next()
		log.Printf("[stream:%s] disconnected (%v), reconnecting in %s...", kind, err, delay)
		if f.hooks.OnReconnect != nil {
			f.hooks.OnReconnect(kind)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel. Returns nil only when ctx was cancelled.
func (f *Feed) runOnce(ctx context.Context) error {
	kind := f.cfg.Kind
	f.state.Store(int32(StateConnecting))

	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.HandshakeTimeout)
	conn, _, err := f.dialer.DialContext(dialCtx, f.cfg.URL, f.cfg.Header)
	cancel()
	if err != nil {
		f.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.sent = ""
	f.mu.Unlock()
	f.state.Store(int32(StateConnected))
	f.cfg.Backoff.Reset()
	log.Printf("[stream:%s] connected to %s", kind, f.cfg.URL)

	stop := make(chan struct{})
	defer func() {
		close(stop)
		conn.Close()
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		f.state.Store(int32(StateDisconnected))
		f.emitStatus(ctx, model.StatusDisconnected)
	}()

	// Async context watcher: closes the connection when ctx is cancelled.
	go func() {
		select {
		case <-ctx.Done():
			f.writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			f.writeMu.Unlock()
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	})

	f.emitStatus(ctx, model.StatusConnected)
	if err := f.flushInterest(); err != nil {
		log.Printf("[stream:%s] interest send failed: %v", kind, err)
	}

	go f.heartbeat(conn, stop)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		ticks, dropped := normalize.Frame(raw, kind)
		if dropped > 0 && f.hooks.OnFrameDropped != nil {
			f.hooks.OnFrameDropped(kind, dropped)
		}
		now := time.Now().UTC()
		for _, t := range ticks {
			if f.hooks.OnTick != nil {
				f.hooks.OnTick(kind)
			}
			f.publish(ctx, model.StreamEvent{Kind: kind, Type: model.EventTick, Tick: t, At: now})
		}
	}
}

// heartbeat pings the server until stop is closed or a ping fails.
func (f *Feed) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(f.cfg.PingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("[stream:%s] ping failed: %v", f.cfg.Kind, err)
				conn.Close()
				return
			}
		}
	}
}

// emitStatus publishes a status event. During shutdown ctx is already done,
// so delivery is bounded by a short grace period instead.
func (f *Feed) emitStatus(ctx context.Context, status model.StreamStatus) {
	kind := f.cfg.Kind
	if f.hooks.OnStatus != nil {
		f.hooks.OnStatus(kind, status)
	}
	pubCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
	}
	f.publish(pubCtx, model.StreamEvent{
		Kind:   kind,
		Type:   model.EventStatus,
		Status: status,
		At:     time.Now().UTC(),
	})
}

// normalizeKeys trims, dedupes and sorts keys.
func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
