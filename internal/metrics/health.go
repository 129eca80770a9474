package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"trading-valuation/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// pollGrace is how many poll intervals may pass without a successful poll
// before the engine reports degraded.
const pollGrace = 3

// HealthStatus represents the engine health served at /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	Feeds        map[model.StreamKind]bool
	LastTickTime time.Time
	RateReliable bool
	RateValue    float64
	LastPollTime time.Time
	PollInterval time.Duration
	Positions    int

	// Optional dependencies. A nil pointer means not configured.
	RedisConnected *bool
	SQLiteOK       *bool

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time

	now func() time.Time
}

// NewHealthStatus returns a health status expecting the given feeds.
func NewHealthStatus(pollInterval time.Duration, kinds ...model.StreamKind) *HealthStatus {
	h := &HealthStatus{
		Feeds:        make(map[model.StreamKind]bool, len(kinds)),
		PollInterval: pollInterval,
		now:          time.Now,
	}
	for _, k := range kinds {
		h.Feeds[k] = false
	}
	h.StartedAt = h.now()
	return h
}

// WithClock replaces the clock. Used by tests.
func (h *HealthStatus) WithClock(now func() time.Time) *HealthStatus {
	h.now = now
	h.StartedAt = now()
	return h
}

func (h *HealthStatus) SetFeedConnected(kind model.StreamKind, v bool) {
	h.mu.Lock()
	h.Feeds[kind] = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRate(r model.ExchangeRate) {
	h.mu.Lock()
	h.RateReliable = r.Reliable
	h.RateValue = r.Value
	h.mu.Unlock()
}

func (h *HealthStatus) SetPolled(t time.Time, positions int) {
	h.mu.Lock()
	h.LastPollTime = t
	h.Positions = positions
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	ok := rdb.Ping(ctx).Err() == nil
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = &ok
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency and health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	ok := db.PingContext(ctx) == nil
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = &ok
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker probes the configured dependencies every interval.
// Either handle may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}

	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// Status evaluates overall health: "healthy", "degraded" (serving, but a
// feed is down, the rate is unreliable, polling lapsed or a dependency
// failed) or "unhealthy" (no feed connected and no recent poll).
func (h *HealthStatus) Status() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthStatus) statusLocked() string {
	connected := 0
	for _, ok := range h.Feeds {
		if ok {
			connected++
		}
	}
	pollFresh := !h.LastPollTime.IsZero() &&
		(h.PollInterval <= 0 || h.now().Sub(h.LastPollTime) <= pollGrace*h.PollInterval)

	if connected == 0 && !pollFresh {
		return "unhealthy"
	}
	if connected < len(h.Feeds) || !pollFresh || !h.RateReliable {
		return "degraded"
	}
	if (h.RedisConnected != nil && !*h.RedisConnected) || (h.SQLiteOK != nil && !*h.SQLiteOK) {
		return "degraded"
	}
	return "healthy"
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := h.statusLocked()
	code := http.StatusOK
	if overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = h.now().Sub(h.LastTickTime).Round(time.Millisecond).String()
	}
	feeds := make(map[string]bool, len(h.Feeds))
	for k, v := range h.Feeds {
		feeds[string(k)] = v
	}

	status := struct {
		Status          string          `json:"status"`
		Uptime          string          `json:"uptime"`
		Feeds           map[string]bool `json:"feeds"`
		LastTickTime    string          `json:"last_tick_time,omitempty"`
		TickAge         string          `json:"tick_age,omitempty"`
		RateReliable    bool            `json:"rate_reliable"`
		RateValue       float64         `json:"rate_value"`
		LastPollTime    string          `json:"last_poll_time,omitempty"`
		Positions       int             `json:"positions"`
		RedisConnected  *bool           `json:"redis_connected,omitempty"`
		RedisLatencyMs  float64         `json:"redis_latency_ms,omitempty"`
		SQLiteOK        *bool           `json:"sqlite_ok,omitempty"`
		SQLiteLatencyMs float64         `json:"sqlite_latency_ms,omitempty"`
	}{
		Status:          overall,
		Uptime:          h.now().Sub(h.StartedAt).Round(time.Second).String(),
		Feeds:           feeds,
		TickAge:         tickAge,
		RateReliable:    h.RateReliable,
		RateValue:       h.RateValue,
		Positions:       h.Positions,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
	}
	if !h.LastTickTime.IsZero() {
		status.LastTickTime = h.LastTickTime.Format(time.RFC3339)
	}
	if !h.LastPollTime.IsZero() {
		status.LastPollTime = h.LastPollTime.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(status)
}
