// cmd/tickserver: staging feed simulator.
// Serves both websocket feeds plus the positions and rate endpoints so the
// engine can run without a real backend.
//
// Domestic frames (per subscribed token, interest sent as "k1#k2"):
//
//	{"token":"2885","last_traded_price":2450.5,"best_bid_price":2450.4,"best_ask_price":2450.6,"exchange_timestamp":1700000000000}
//
// Foreign frames (every configured symbol):
//
//	{"symbol":"EURUSD","levels":{"bids":[{"price":"1.08500"}],"asks":[{"price":"1.08520"}]},"ts":1700000000000}
//
// Config (env vars):
//
//	TICK_SERVER_ADDR   listen address (default ":9001")
//	TICK_TOKENS        comma-separated TOKEN:PRICE pairs (default "2885:2450,1594:1510")
//	TICK_SYMBOLS       comma-separated SYMBOL:PRICE pairs (default "EURUSD:1.085,USDJPY:151.2")
//	TICK_INTERVAL_MS   broadcast interval in milliseconds (default 100)
//	TICK_RATE          value served on /rate (default 80)
//	POSITIONS_FILE     JSON document served on /positions (default: empty list)
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type domesticMsg struct {
	Token string  `json:"token"`
	LTP   float64 `json:"last_traded_price"`
	Bid   float64 `json:"best_bid_price"`
	Ask   float64 `json:"best_ask_price"`
	TS    int64   `json:"exchange_timestamp"`
}

type level struct {
	Price string `json:"price"`
}

type foreignMsg struct {
	Symbol string `json:"symbol"`
	Levels struct {
		Bids []level `json:"bids"`
		Asks []level `json:"asks"`
	} `json:"levels"`
	TS int64 `json:"ts"`
}

// instrument holds per-key simulation state.
type instrument struct {
	Key   string
	Price float64
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

// client is one websocket connection. A nil interest set means everything.
type client struct {
	ch       chan keyed
	mu       sync.RWMutex
	interest map[string]bool
}

type keyed struct {
	key string
	msg []byte
}

func (c *client) wants(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interest == nil || c.interest[key]
}

func (c *client) setInterest(keys []string) {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = true
		}
	}
	c.mu.Lock()
	c.interest = set
	c.mu.Unlock()
}

type hub struct {
	name    string
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub(name string) *hub {
	return &hub{name: name, clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn, filtered bool) *client {
	c := &client{ch: make(chan keyed, 256)}
	if filtered {
		c.interest = map[string]bool{}
	}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(key string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(key) {
			continue
		}
		select {
		case c.ch <- keyed{key: key, msg: msg}:
		default: // slow client, drop tick
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// wsHandler serves one feed. When filtered is set, the client only gets keys
// it asked for; every text frame it sends replaces its interest set.
func wsHandler(h *hub, filtered bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver:%s] upgrade error: %v", h.name, err)
			return
		}
		log.Printf("[tickserver:%s] client connected: %s", h.name, r.RemoteAddr)

		c := h.register(conn, filtered)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver:%s] client disconnected: %s", h.name, r.RemoteAddr)
		}()

		// Read pump: interest updates. Also answers pings via the default handler.
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					conn.Close()
					return
				}
				if filtered {
					keys := strings.Split(string(data), "#")
					c.setInterest(keys)
					log.Printf("[tickserver:%s] %s interest: %v", h.name, r.RemoteAddr, keys)
					// Acknowledge like the real feed does; the engine drops it.
					h.ack(c)
				}
			}
		}()

		for m := range c.ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, m.msg); err != nil {
				return
			}
		}
	}
}

func (h *hub) ack(c *client) {
	select {
	case c.ch <- keyed{msg: []byte(`"subscribed"`)}:
	default:
	}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next <= 0 {
		next = price
	}
	return next
}

func runGenerator(domestic, foreign *hub, tokens, symbols []instrument, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for range ticker.C {
		now := time.Now().UnixMilli()
		for i := range tokens {
			tokens[i].Price = walkPrice(rng, tokens[i].Price)
			p := round(tokens[i].Price, 2)
			msg := domesticMsg{
				Token: tokens[i].Key,
				LTP:   p,
				Bid:   round(p-0.05, 2),
				Ask:   round(p+0.05, 2),
				TS:    now,
			}
			// Some frames carry one-sided quotes, as the live feed does.
			if rng.Intn(10) == 0 {
				msg.Bid, msg.Ask = 0, 0
			}
			if b, err := json.Marshal(msg); err == nil {
				domestic.broadcast(msg.Token, b)
			}
		}
		for i := range symbols {
			symbols[i].Price = walkPrice(rng, symbols[i].Price)
			places := 5
			if strings.HasSuffix(symbols[i].Key, "JPY") {
				places = 3
			}
			spread := 2 / pow10(places)
			var msg foreignMsg
			msg.Symbol = symbols[i].Key
			msg.Levels.Bids = []level{{Price: strconv.FormatFloat(symbols[i].Price, 'f', places, 64)}}
			msg.Levels.Asks = []level{{Price: strconv.FormatFloat(symbols[i].Price+spread, 'f', places, 64)}}
			msg.TS = now
			if b, err := json.Marshal(msg); err == nil {
				foreign.broadcast(msg.Symbol, b)
			}
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting staging feed simulator...")

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	tokens := parseInstruments(envOrDefault("TICK_TOKENS", "2885:2450,1594:1510"))
	symbols := parseInstruments(envOrDefault("TICK_SYMBOLS", "EURUSD:1.085,USDJPY:151.2"))
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 100)) * time.Millisecond
	rate := envOrDefault("TICK_RATE", "80")

	if len(tokens) == 0 && len(symbols) == 0 {
		log.Fatalf("[tickserver] no instruments configured via TICK_TOKENS / TICK_SYMBOLS")
	}
	log.Printf("[tickserver] tokens: %+v symbols: %+v interval: %v", tokens, symbols, interval)

	positions := []byte("[]")
	if path := os.Getenv("POSITIONS_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("[tickserver] read %s: %v", path, err)
		}
		positions = b
	}

	domestic := newHub("domestic")
	foreign := newHub("foreign")
	go runGenerator(domestic, foreign, tokens, symbols, interval)

	mux := http.NewServeMux()
	mux.HandleFunc("/domestic", wsHandler(domestic, true))
	mux.HandleFunc("/foreign", wsHandler(foreign, false))
	mux.HandleFunc("/positions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(positions)
	})
	mux.HandleFunc("/rate", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"rate":%s}`, rate)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})

	log.Printf("[tickserver] ✅ listening on %s (ws://localhost%s/domestic, ws://localhost%s/foreign)", addr, addr, addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// parseInstruments parses "KEY:PRICE,KEY:PRICE".
func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[tickserver] skipping invalid entry: %q", part)
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
		if err != nil || price <= 0 {
			log.Printf("[tickserver] skipping invalid price in %q", part)
			continue
		}
		result = append(result, instrument{Key: strings.TrimSpace(seg[0]), Price: price})
	}
	return result
}

func round(v float64, places int) float64 {
	p := pow10(places)
	return float64(int64(v*p+0.5)) / p
}

func pow10(n int) float64 {
	p := 1.0
	for i := 0; i < n; i++ {
		p *= 10
	}
	return p
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
