package stream

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trading-valuation/internal/marketdata/bus"
	"trading-valuation/internal/model"
)

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30, 30, 30, 60, 1, 2}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Fatalf("attempt %d: expected %s, got %s", i, w*time.Second, got)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff()
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("expected 1s after reset, got %s", got)
	}
}

// tickServer upgrades every request, records text messages from the client
// and writes the given frames once the client has subscribed.
func tickServer(t *testing.T, frames []string, received chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func nextEvent(t *testing.T, sub *bus.Subscription) model.StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return model.StreamEvent{}
}

func TestManager_DomesticFeed(t *testing.T) {
	received := make(chan string, 4)
	frames := []string{
		"ack",
		`noise{"token":"2","last_traded_price":50}`,
		`[{"token":"1","last_traded_price":"105","best_bid_price":0,"best_ask_price":0}]`,
	}
	srv := tickServer(t, frames, received)
	defer srv.Close()

	m := NewManager(16, Hooks{}, Config{Kind: model.StreamDomestic, URL: wsURL(srv)})
	sub := m.Listen()

	if err := m.Subscribe(model.StreamDomestic, []string{"2", "1", "2"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx, model.StreamDomestic); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ev := nextEvent(t, sub)
	if ev.Type != model.EventStatus || ev.Status != model.StatusConnected {
		t.Fatalf("expected connected status, got %+v", ev)
	}

	select {
	case msg := <-received:
		if msg != "1#2" {
			t.Errorf("expected interest 1#2, got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received interest")
	}

	ev = nextEvent(t, sub)
	if ev.Type != model.EventTick || ev.Tick.Key != "2" || ev.Tick.Last != 50 {
		t.Errorf("expected recovered tick for 2, got %+v", ev)
	}
	ev = nextEvent(t, sub)
	if ev.Tick.Key != "1" || ev.Tick.Bid != 105 || ev.Tick.Ask != 105 {
		t.Errorf("expected tick for 1 at 105, got %+v", ev)
	}

	if m.State(model.StreamDomestic) != StateConnected {
		t.Errorf("expected connected state, got %s", m.State(model.StreamDomestic))
	}

	m.Disconnect(model.StreamDomestic)
	ev = nextEvent(t, sub)
	if ev.Type != model.EventStatus || ev.Status != model.StatusDisconnected {
		t.Errorf("expected disconnected status, got %+v", ev)
	}
	if m.State(model.StreamDomestic) != StateDisconnected {
		t.Errorf("expected disconnected state, got %s", m.State(model.StreamDomestic))
	}
}

func TestManager_ConnectUnknownKind(t *testing.T) {
	m := NewManager(1, Hooks{})
	if err := m.Connect(context.Background(), model.StreamForeign); err == nil {
		t.Error("expected error for unconfigured feed")
	}
}

func TestManager_LastListenerStopsFeeds(t *testing.T) {
	// Nothing listens on this port; the feed sits in its reconnect loop.
	m := NewManager(1, Hooks{}, Config{Kind: model.StreamForeign, URL: "ws://127.0.0.1:1/ws"})
	sub := m.Listen()

	if err := m.Connect(context.Background(), model.StreamForeign); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !m.Running(model.StreamForeign) {
		t.Fatal("expected feed to be running")
	}

	sub.Close()
	if m.Running(model.StreamForeign) {
		t.Error("expected feed to stop once the last listener left")
	}
}

func TestFeed_RejectsBadScheme(t *testing.T) {
	if _, err := NewFeed(Config{Kind: model.StreamForeign, URL: "http://x"}, nil, Hooks{}); err == nil {
		t.Error("expected error for http scheme")
	}
}

func fastBackoff() *Backoff {
	return &Backoff{Base: 10 * time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 10, Cooldown: 10 * time.Millisecond}
}

// droppingServer reports every text message it receives and kills the first
// connection without a close frame right after the client's first message.
func droppingServer(t *testing.T, received chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		first := conns.Add(1) == 1

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(msg)
			if first {
				conn.UnderlyingConn().Close()
				return
			}
		}
	}))
}

func expectMessage(t *testing.T, received <-chan string, want string) {
	t.Helper()
	select {
	case msg := <-received:
		if msg != want {
			t.Fatalf("expected %q, got %q", want, msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received %q", want)
	}
}

func expectStatus(t *testing.T, sub *bus.Subscription, want model.StreamStatus) {
	t.Helper()
	for {
		ev := nextEvent(t, sub)
		if ev.Type != model.EventStatus {
			continue
		}
		if ev.Status != want {
			t.Fatalf("expected %s status, got %s", want, ev.Status)
		}
		return
	}
}

func TestManager_ReconnectResendsInterest(t *testing.T) {
	received := make(chan string, 8)
	srv := droppingServer(t, received)
	defer srv.Close()

	var reconnects atomic.Int32
	hooks := Hooks{OnReconnect: func(model.StreamKind) { reconnects.Add(1) }}
	m := NewManager(16, hooks, Config{Kind: model.StreamDomestic, URL: wsURL(srv), Backoff: fastBackoff()})
	sub := m.Listen()
	defer m.Close()

	m.Subscribe(model.StreamDomestic, []string{"2", "1"})
	if err := m.Connect(context.Background(), model.StreamDomestic); err != nil {
		t.Fatalf("connect: %v", err)
	}

	expectStatus(t, sub, model.StatusConnected)
	expectMessage(t, received, "1#2")

	// The server drops the connection; the feed comes back on its own and
	// sends the full interest set again.
	expectStatus(t, sub, model.StatusDisconnected)
	expectStatus(t, sub, model.StatusConnected)
	expectMessage(t, received, "1#2")
	if reconnects.Load() < 1 {
		t.Error("expected a reconnect to be counted")
	}

	// Same set in a different order: nothing is sent.
	if err := m.Subscribe(model.StreamDomestic, []string{"1", "2", "1"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case msg := <-received:
		t.Fatalf("identical interest was re-sent: %q", msg)
	case <-time.After(200 * time.Millisecond):
	}

	if err := m.Subscribe(model.StreamDomestic, []string{"3"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	expectMessage(t, received, "3")
}

func TestFeed_HandshakeTimeoutIsRetried(t *testing.T) {
	// Accepts TCP connections and never answers the upgrade request.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	defer func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	}()

	var (
		reconnects atomic.Int32
		connected  atomic.Int32
	)
	publish := func(_ context.Context, ev model.StreamEvent) {
		if ev.Type == model.EventStatus && ev.Status == model.StatusConnected {
			connected.Add(1)
		}
	}
	feed, err := NewFeed(Config{
		Kind:             model.StreamForeign,
		URL:              "ws://" + ln.Addr().String() + "/ws",
		HandshakeTimeout: 50 * time.Millisecond,
		Backoff:          fastBackoff(),
	}, publish, Hooks{OnReconnect: func(model.StreamKind) { reconnects.Add(1) }})
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		feed.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for reconnects.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if reconnects.Load() < 2 {
		t.Errorf("expected stalled handshakes to be retried, got %d attempts", reconnects.Load())
	}
	if connected.Load() != 0 {
		t.Error("a stalled handshake must never report connected")
	}
	if feed.State() == StateConnected {
		t.Errorf("unexpected state %s", feed.State())
	}
	mu.Lock()
	accepted := len(conns)
	mu.Unlock()
	if accepted < 2 {
		t.Errorf("expected repeated dials, got %d", accepted)
	}
}
