package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trading-valuation/internal/model"
)

func setRequired(t *testing.T) {
	t.Setenv("DOMESTIC_WS_URL", "ws://localhost:8765/domestic")
	t.Setenv("FOREIGN_WS_URL", "ws://localhost:8765/foreign")
	t.Setenv("POSITIONS_URL", "http://localhost:8080/positions")
	t.Setenv("RATE_URL", "http://localhost:8080/rate")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.PollInterval != 5*time.Second || c.RateRefresh != 5*time.Minute || c.RateMaxAge != 15*time.Minute {
		t.Errorf("unexpected timers %+v", c)
	}
	if c.StalenessHorizon != 30*time.Second || c.CoalesceInterval != 150*time.Millisecond {
		t.Errorf("unexpected horizon/coalesce %v %v", c.StalenessHorizon, c.CoalesceInterval)
	}
	if c.LowUnitCurrency != "JPY" || c.RateStore != "sqlite" || c.Publisher != "redis" {
		t.Errorf("unexpected defaults %+v", c)
	}
	if !c.UsesRedis() {
		t.Error("redis publisher needs redis")
	}
	if c.Risk.MaxLoss != 0 {
		t.Error("risk limits must default to disabled")
	}
	if c.PositionsHeader().Get("Authorization") != "" {
		t.Error("expected no auth header without a token")
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("RATE_STORE", "REDIS")
	t.Setenv("PUBLISHER", "log")
	t.Setenv("RISK_MAX_LOSS", "5000")
	t.Setenv("RISK_MAX_POSITIONS", "20")
	t.Setenv("POSITIONS_TOKEN", "abc")
	t.Setenv("LOW_UNIT_CURRENCY", "huf")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.PollInterval != 2*time.Second || c.RateStore != "redis" || c.Publisher != "log" {
		t.Errorf("overrides not applied: %+v", c)
	}
	if c.Risk.MaxLoss != 5000 || c.Risk.MaxOpenPositions != 20 {
		t.Errorf("unexpected risk limits %+v", c.Risk)
	}
	if c.PositionsHeader().Get("Authorization") != "Bearer abc" {
		t.Error("expected bearer header")
	}
	if c.LowUnitCurrency != "HUF" {
		t.Errorf("expected upper-cased currency, got %s", c.LowUnitCurrency)
	}
}

func TestLoad_ReportsAllProblems(t *testing.T) {
	for _, k := range []string{"DOMESTIC_WS_URL", "FOREIGN_WS_URL", "POSITIONS_URL", "RATE_URL"} {
		t.Setenv(k, "")
	}
	t.Setenv("POLL_INTERVAL", "soon")
	t.Setenv("RATE_STORE", "postgres")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"POSITIONS_URL", "RATE_URL", "POLL_INTERVAL", "RATE_STORE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in error, got %v", want, err)
		}
	}
}

func TestLoadRules(t *testing.T) {
	r, err := LoadRules("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Margin[model.ClassFutures] != 10 {
		t.Errorf("expected default futures divisor 10, got %v", r.Margin[model.ClassFutures])
	}

	path := filepath.Join(t.TempDir(), "rules.yaml")
	os.WriteFile(path, []byte("margin:\n  FOREX: 2500\n"), 0o644)
	r, err = LoadRules(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Margin[model.ClassForex] != 2500 || r.Margin[model.ClassFutures] != 10 {
		t.Errorf("expected overlay on defaults, got %v", r.Margin)
	}

	os.WriteFile(path, []byte("margin:\n  BONDS: 1\n"), 0o644)
	if _, err := LoadRules(path); err == nil {
		t.Error("expected error for unknown class")
	}
	if _, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
