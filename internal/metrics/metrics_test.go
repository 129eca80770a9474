package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trading-valuation/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TicksTotal.WithLabelValues("domestic").Add(3)
	m.RateReliable.Set(1)

	if got := testutil.ToFloat64(m.TicksTotal.WithLabelValues("domestic")); got != 3 {
		t.Errorf("expected 3 ticks, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "valengine_rate_reliable" {
			found = true
		}
	}
	if !found {
		t.Error("expected valengine_rate_reliable on the injected registry")
	}

	// A second engine in the same process gets its own registry.
	New(prometheus.NewRegistry())
}

func TestHealth_Transitions(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := NewHealthStatus(5*time.Second, model.StreamDomestic, model.StreamForeign).
		WithClock(func() time.Time { return now })

	if got := h.Status(); got != "unhealthy" {
		t.Errorf("expected unhealthy at start, got %s", got)
	}

	h.SetFeedConnected(model.StreamDomestic, true)
	h.SetPolled(now, 4)
	if got := h.Status(); got != "degraded" {
		t.Errorf("expected degraded with one feed down, got %s", got)
	}

	h.SetFeedConnected(model.StreamForeign, true)
	h.SetRate(model.ExchangeRate{Value: 83, Reliable: true})
	if got := h.Status(); got != "healthy" {
		t.Errorf("expected healthy, got %s", got)
	}

	down := false
	h.RedisConnected = &down
	if got := h.Status(); got != "degraded" {
		t.Errorf("expected degraded with redis down, got %s", got)
	}
	h.RedisConnected = nil

	now = now.Add(20 * time.Second)
	if got := h.Status(); got != "degraded" {
		t.Errorf("expected degraded once polling lapses, got %s", got)
	}
}

func TestHealth_ServeHTTP(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := NewHealthStatus(time.Second, model.StreamDomestic).WithClock(func() time.Time { return now })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when unhealthy, got %d", rec.Code)
	}

	h.SetFeedConnected(model.StreamDomestic, true)
	h.SetLastTickTime(now.Add(-1500 * time.Millisecond))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when degraded, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("expected degraded, got %v", body["status"])
	}
	if body["tick_age"] != "1.5s" {
		t.Errorf("expected tick_age 1.5s, got %v", body["tick_age"])
	}
	if _, ok := body["redis_connected"]; ok {
		t.Error("unconfigured redis must be omitted")
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecomputeTotal.Inc()

	srv := NewServer(":0", NewHealthStatus(0), reg)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "valengine_recompute_total 1") {
		t.Error("expected recompute counter in /metrics output")
	}
}
